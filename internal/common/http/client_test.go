package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client := NewDefaultHTTPClient()
		assert.Equal(t, 30*time.Second, client.Timeout)
	})

	t.Run("timeout option", func(t *testing.T) {
		client := NewHTTPClient(WithTimeout(2 * time.Second))
		assert.Equal(t, 2*time.Second, client.Timeout)
	})

	t.Run("bearer token and user agent", func(t *testing.T) {
		var gotAuth, gotUA string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotUA = r.Header.Get("User-Agent")
		}))
		defer srv.Close()

		client := NewHTTPClient(WithBearerToken("secret"), WithUserAgent("tests/1"))
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "tests/1", gotUA)
		assert.Empty(t, req.Header.Get("Authorization"), "caller request must not be mutated")
	})
}

package local

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grc-cache/internal/common/errors"
)

func TestStore_SetGet(t *testing.T) {
	s := New(time.Minute, time.Minute)

	t.Run("read after write", func(t *testing.T) {
		s.Set("processes:v3:catalog", []byte(`{"v":1}`), 0)
		got, ok := s.Get("processes:v3:catalog")
		require.True(t, ok)
		assert.JSONEq(t, `{"v":1}`, string(got))
	})

	t.Run("missing key", func(t *testing.T) {
		_, ok := s.Get("nope")
		assert.False(t, ok)
	})

	t.Run("stored copy is independent", func(t *testing.T) {
		value := []byte("abc")
		s.Set("copy", value, 0)
		value[0] = 'X'

		got, _ := s.Get("copy")
		assert.Equal(t, "abc", string(got))

		got[1] = 'Y'
		again, _ := s.Get("copy")
		assert.Equal(t, "abc", string(again))
	})

	t.Run("entry timestamps", func(t *testing.T) {
		before := time.Now()
		s.Set("stamped", []byte("x"), 10*time.Second)
		entry, ok := s.Lookup("stamped")
		require.True(t, ok)
		assert.False(t, entry.CreatedAt.Before(before))
		assert.WithinDuration(t, entry.CreatedAt.Add(10*time.Second), entry.ExpiresAt, time.Millisecond)
	})
}

func TestStore_Expiry(t *testing.T) {
	// sweep interval far in the future: expiry must be enforced lazily on read
	s := New(time.Minute, time.Hour)
	s.Set("short", []byte("x"), 20*time.Millisecond)

	_, ok := s.Get("short")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = s.Get("short")
	assert.False(t, ok, "expired entry must read as absent before the sweep")
	assert.Equal(t, 1, s.Len(), "entry is still physically present until swept")

	s.Sweep()
	assert.Equal(t, 0, s.Len())
}

func TestStore_BackgroundSweep(t *testing.T) {
	s := New(time.Minute, 10*time.Millisecond)
	s.Set("swept", []byte("x"), 5*time.Millisecond)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStore_AddAndExpire(t *testing.T) {
	s := New(time.Minute, time.Minute)

	assert.True(t, s.Add("lock:prewarm", []byte("a"), time.Second))
	assert.False(t, s.Add("lock:prewarm", []byte("b"), time.Second))
	got, _ := s.Get("lock:prewarm")
	assert.Equal(t, "a", string(got))

	assert.True(t, s.Expire("lock:prewarm", 30*time.Millisecond))
	assert.False(t, s.Expire("missing", time.Second))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Add("lock:prewarm", []byte("c"), time.Second), "expired key counts as absent")
}

func TestStore_AddIsAtomic(t *testing.T) {
	s := New(time.Minute, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Add("contended", []byte(fmt.Sprint(i)), time.Minute) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestStore_Patterns(t *testing.T) {
	s := New(time.Minute, time.Minute)
	for _, k := range []string{"a:1", "a:2", "a:10", "b:1", "risk:v2:org-1", "risk:v3:org-1"} {
		s.Set(k, []byte("x"), 0)
	}

	t.Run("star", func(t *testing.T) {
		keys, err := s.Keys("a:*")
		require.NoError(t, err)
		assert.Equal(t, []string{"a:1", "a:10", "a:2"}, keys)
	})

	t.Run("question mark", func(t *testing.T) {
		keys, err := s.Keys("a:?")
		require.NoError(t, err)
		assert.Equal(t, []string{"a:1", "a:2"}, keys)
	})

	t.Run("star spans separators", func(t *testing.T) {
		keys, err := s.Keys("risk:*")
		require.NoError(t, err)
		assert.Len(t, keys, 2)
	})

	t.Run("empty pattern rejected", func(t *testing.T) {
		_, err := s.Keys("")
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("delete pattern", func(t *testing.T) {
		n, err := s.DeletePattern("a:*")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		_, ok := s.Get("a:1")
		assert.False(t, ok)
		_, ok = s.Get("b:1")
		assert.True(t, ok)
	})

	t.Run("delete counts only present keys", func(t *testing.T) {
		assert.Equal(t, 1, s.Delete("b:1", "b:1", "ghost"))
	})

	t.Run("flush", func(t *testing.T) {
		s.Flush()
		assert.Equal(t, 0, s.Len())
	})
}

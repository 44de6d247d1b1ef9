package prewarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"grc-cache/internal/circuitbreaker"
	"grc-cache/internal/common/errors"
	httpclient "grc-cache/internal/common/http"
	"grc-cache/internal/common/validation"
)

const maxSourceBytes = 16 << 20

// CatalogEntry is one HTTP-sourced prewarm target
type CatalogEntry struct {
	Key         string            `yaml:"key" validate:"cache_key"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url" validate:"http_url"`
	TTL         time.Duration     `yaml:"ttl" validate:"gt=0"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// Catalog is the static prewarm target file. Header values may reference
// environment variables as ${NAME}.
//
//	targets:
//	  - key: processes:v3
//	    description: processes catalog
//	    url: http://grc-api.internal/api/processes
//	    ttl: 10m
//	    headers:
//	      Authorization: Bearer ${GRC_API_TOKEN}
type Catalog struct {
	Targets []CatalogEntry `yaml:"targets"`
}

// LoadCatalog reads and validates a catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read prewarm catalog %s: %v", path, err))
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid prewarm catalog: %v", err))
	}
	for i, e := range c.Targets {
		if err := validation.Struct(e); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("prewarm catalog entry %d: %s",
				i, strings.Join(validation.Messages(err), "; ")))
		}
		for name, value := range e.Headers {
			c.Targets[i].Headers[name] = os.ExpandEnv(value)
		}
		if c.Targets[i].Description == "" {
			c.Targets[i].Description = e.Key
		}
	}
	return &c, nil
}

// TargetsFrom binds every entry to source
func (c *Catalog) TargetsFrom(source *HTTPSource) []Target {
	targets := make([]Target, 0, len(c.Targets))
	for _, e := range c.Targets {
		targets = append(targets, Target{
			Key:         e.Key,
			Description: e.Description,
			TTL:         e.TTL,
			Recompute: func(ctx context.Context) (interface{}, error) {
				return source.Fetch(ctx, e)
			},
		})
	}
	return targets
}

// HTTPSource recomputes catalog targets by GETting their URL. Each host has
// its own breaker so one failing upstream does not stall the others.
type HTTPSource struct {
	client   *http.Client
	breakers *circuitbreaker.GoBreakerManager
}

// NewHTTPSource creates a source; a nil client uses the shared default
func NewHTTPSource(client *http.Client, breakers *circuitbreaker.GoBreakerManager) *HTTPSource {
	if client == nil {
		client = httpclient.NewDefaultHTTPClient()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewGoBreakerManager(circuitbreaker.SourceConfig, nil)
	}
	return &HTTPSource{client: client, breakers: breakers}
}

// Fetch returns the JSON document at e.URL
func (h *HTTPSource) Fetch(ctx context.Context, e CatalogEntry) (interface{}, error) {
	u, err := url.Parse(e.URL)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid url %q", e.URL))
	}
	breaker := h.breakers.GetOrCreate("source:" + u.Host)
	return circuitbreaker.Do(ctx, breaker, func(ctx context.Context) (interface{}, error) {
		return h.fetch(ctx, e)
	})
}

func (h *HTTPSource) fetch(ctx context.Context, e CatalogEntry) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL, nil)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range e.Headers {
		req.Header.Set(name, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.ConnectionError("failed to fetch prewarm source", err).WithContext("url", e.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return nil, errors.ConnectionError("failed to read prewarm source", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.ProtocolError(fmt.Sprintf("prewarm source returned status %d", resp.StatusCode), nil).
			WithContext("url", e.URL)
	}
	if !json.Valid(body) {
		return nil, errors.SerializationError("prewarm source did not return JSON", nil).WithContext("url", e.URL)
	}
	return json.RawMessage(body), nil
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grc-cache/internal/common/errors"
	httpclient "grc-cache/internal/common/http"
)

const (
	defaultRESTTimeout = 5 * time.Second
	maxReplyBytes      = 32 << 20
)

// RESTOptions configures the REST-protocol backend
type RESTOptions struct {
	URL       string
	Token     string
	Timeout   time.Duration
	KeyPrefix string
	// Transport overrides the HTTP transport, mostly for tests
	Transport http.RoundTripper
}

// REST speaks a Redis-compatible command protocol over HTTPS. Every command
// is one POST of a JSON array such as ["SET","k","v","PX","60000"], answered
// with {"result": ...} or {"error": "..."}.
type REST struct {
	endpoint string
	prefix   string
	client   *http.Client
}

type restReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// NewREST builds the client and verifies the endpoint answers PING
func NewREST(ctx context.Context, opts RESTOptions) (*REST, error) {
	if opts.URL == "" {
		return nil, errors.ConfigError("rest backend url is required")
	}
	if opts.Token == "" {
		return nil, errors.ConfigError("rest backend token is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}

	clientOpts := []httpclient.ClientOption{
		httpclient.WithTimeout(timeout),
		httpclient.WithBearerToken(opts.Token),
		// every command goes to one host
		httpclient.WithMaxIdleConnsPerHost(64),
	}
	if opts.Transport != nil {
		clientOpts = append(clientOpts, httpclient.WithTransport(opts.Transport))
	}

	r := &REST{
		endpoint: strings.TrimRight(opts.URL, "/"),
		prefix:   opts.KeyPrefix,
		client:   httpclient.NewHTTPClient(clientOpts...),
	}

	var pong string
	if err := r.do(ctx, &pong, "PING"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *REST) do(ctx context.Context, out interface{}, args ...string) error {
	body, err := json.Marshal(args)
	if err != nil {
		return errors.SerializationError("failed to encode command", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.ConfigError(fmt.Sprintf("invalid rest backend url: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.TimeoutError("rest "+args[0], err)
		}
		if stderrors.Is(err, context.Canceled) {
			return err
		}
		return errors.ConnectionError("rest backend request failed", err).WithContext("command", args[0])
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return errors.ConnectionError("failed to read rest backend reply", err)
	}

	var reply restReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return errors.ConnectionError(fmt.Sprintf("rest backend returned status %d", resp.StatusCode), nil)
		}
		return errors.SerializationError("malformed rest backend reply", err)
	}
	if reply.Error != "" || resp.StatusCode >= http.StatusBadRequest {
		msg := reply.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusUnauthorized {
			return errors.ConnectionError("rest backend error: "+msg, nil).WithContext("status", resp.StatusCode)
		}
		return errors.ProtocolError("rest backend rejected "+args[0]+": "+msg, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return errors.SerializationError("unexpected rest backend result for "+args[0], err)
	}
	return nil
}

func (r *REST) key(key string) string {
	return r.prefix + key
}

func (r *REST) withKeys(cmd string, keys []string) []string {
	args := make([]string, 0, len(keys)+1)
	args = append(args, cmd)
	for _, k := range keys {
		args = append(args, r.key(k))
	}
	return args
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func (r *REST) Setex(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	return r.do(ctx, nil, "SET", r.key(key), string(value), "PX", millis(ttl))
}

func (r *REST) Get(ctx context.Context, key string) ([]byte, error) {
	var value *string
	if err := r.do(ctx, &value, "GET", r.key(key)); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrNotFound
	}
	return []byte(*value), nil
}

func (r *REST) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := r.do(ctx, &n, r.withKeys("DEL", keys)...)
	return n, err
}

func (r *REST) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	var keys []string
	if err := r.do(ctx, &keys, "KEYS", r.key(pattern)); err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, r.prefix)
	}
	return keys, nil
}

func (r *REST) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := r.do(ctx, &n, r.withKeys("EXISTS", keys)...)
	return n, err
}

func (r *REST) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	var n int64
	if err := r.do(ctx, &n, "PEXPIRE", r.key(key), millis(ttl)); err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *REST) TTL(ctx context.Context, key string) (int64, error) {
	var ms int64
	if err := r.do(ctx, &ms, "PTTL", r.key(key)); err != nil {
		return 0, err
	}
	if ms < 0 {
		return ms, nil
	}
	return seconds(time.Duration(ms) * time.Millisecond), nil
}

func (r *REST) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	var status *string
	if err := r.do(ctx, &status, "SET", r.key(key), string(value), "NX", "PX", millis(ttl)); err != nil {
		return false, err
	}
	return status != nil, nil
}

// FlushDB empties the database, or only the prefixed keys when a key prefix
// is configured.
func (r *REST) FlushDB(ctx context.Context) error {
	if r.prefix == "" {
		return r.do(ctx, nil, "FLUSHDB")
	}
	var keys []string
	if err := r.do(ctx, &keys, "KEYS", r.prefix+"*"); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.do(ctx, nil, append([]string{"DEL"}, keys...)...)
}

func (r *REST) Kind() Kind { return KindREST }

// Close releases idle connections; the REST backend holds no other state
func (r *REST) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/metrics"
	"github.com/andrefmz/chatsync/internal/respcache"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout applies to every request unless overridden per call.
	DefaultTimeout = 30 * time.Second
	// ExtendedTimeout is the opt-in override for large-file paths.
	ExtendedTimeout = time.Hour
)

// Credentials holds the identity attached to every request.
type Credentials struct {
	ClientID    string
	DeviceID    string
	SocketID    string
	AccessToken string
	BearerToken string
}

// headers returns the computed auth headers. The non-canonical
// access_token key is set directly to preserve its casing on the wire.
func (c Credentials) headers() http.Header {
	h := http.Header{}
	h.Set("X-Client-Id", c.ClientID)
	h.Set("X-Device-Id", c.DeviceID)
	h.Set("X-Socket-Id", c.SocketID)
	h.Set("X-Access-Token", c.AccessToken)
	h["access_token"] = []string{c.AccessToken}
	h.Set("Authorization", "Bearer "+c.BearerToken)
	return h
}

// CallOption adjusts a single request.
type CallOption func(*callOpts)

type callOpts struct {
	timeout time.Duration
	headers http.Header
}

// WithTimeout overrides the default request timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOpts) { o.timeout = d }
}

// WithHeader adds a caller-supplied header. Caller headers win over the
// computed auth headers on key conflict.
func WithHeader(key, value string) CallOption {
	return func(o *callOpts) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Set(key, value)
	}
}

// Client performs authenticated REST calls against a base URL: JSON
// retrieve/create/update plus serialized multipart uploads and raw
// downloads. Successful GET bodies are mirrored into the response cache
// when one is attached, for offline fallback reads through CachedClient.
type Client struct {
	base   *url.URL
	http   *http.Client
	creds  Credentials
	cache  *respcache.Cache
	bus    *bus.Bus
	logger *zap.Logger

	uploads   *queue
	downloads *queue
}

// New creates a client for a base URL. cache and b may be nil.
func New(baseURL string, creds Credentials, cache *respcache.Cache, b *bus.Bus, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:      base,
		http:      &http.Client{},
		creds:     creds,
		cache:     cache,
		bus:       b,
		logger:    logger,
		uploads:   newQueue("upload"),
		downloads: newQueue("download"),
	}, nil
}

// Close stops the upload and download workers. Pending operations run to
// completion first.
func (c *Client) Close() {
	c.uploads.close()
	c.downloads.close()
}

// Retrieve performs an authenticated GET and decodes the response into out.
func (c *Client) Retrieve(ctx context.Context, path string, params url.Values, out any, opts ...CallOption) error {
	body, err := c.RetrieveBytes(ctx, path, params, opts...)
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

// RetrieveBytes performs an authenticated GET and returns the raw body.
func (c *Client) RetrieveBytes(ctx context.Context, path string, params url.Values, opts ...CallOption) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil, opts...)
}

// Create performs an authenticated POST with a JSON body.
func (c *Client) Create(ctx context.Context, path string, params url.Values, body, out any, opts ...CallOption) error {
	raw, err := c.do(ctx, http.MethodPost, path, params, body, opts...)
	if err != nil {
		return err
	}
	return c.decode(raw, out)
}

// Update performs an authenticated PUT with a JSON body.
func (c *Client) Update(ctx context.Context, path string, params url.Values, body, out any, opts ...CallOption) error {
	raw, err := c.do(ctx, http.MethodPut, path, params, body, opts...)
	if err != nil {
		return err
	}
	return c.decode(raw, out)
}

// URL resolves a request path and params against the base URL.
func (c *Client) URL(path string, params url.Values) (*url.URL, error) {
	u, err := c.base.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURL, path, err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, opts ...CallOption) ([]byte, error) {
	o := callOpts{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := c.URL(path, params)
	if err != nil {
		return nil, c.fail(method, path, err)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, c.fail(method, u.String(), fmt.Errorf("%w: %v", ErrInvalidDataEncoding, err))
		}
		reqBody = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, c.fail(method, u.String(), fmt.Errorf("%w: %v", ErrInvalidURL, err))
	}
	c.applyHeaders(req, o.headers)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RecordRequest(strings.ToLower(method), time.Since(start))
	if err != nil {
		return nil, c.fail(method, u.String(), fmt.Errorf("%w: %v", ErrURLSession, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(method, u.String(), fmt.Errorf("%w: %v", ErrURLSession, err))
	}
	if resp.StatusCode >= 300 {
		return nil, c.fail(method, u.String(), fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode))
	}

	// Endpoints that return nothing on success decode as empty JSON.
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	if method == http.MethodGet && c.cache != nil {
		if err := c.cache.Put(u, raw); err != nil {
			c.logger.Warn("response cache write failed", zap.String("url", u.String()), zap.Error(err))
		}
	}
	return raw, nil
}

// applyHeaders merges computed auth headers under caller-supplied ones;
// the caller wins on key conflict.
func (c *Client) applyHeaders(req *http.Request, caller http.Header) {
	for k, vals := range c.creds.headers() {
		req.Header[k] = vals
	}
	for k, vals := range caller {
		req.Header[k] = vals
	}
}

func (c *Client) decode(raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return c.fail("decode", "", fmt.Errorf("%w: %v", ErrInvalidDataEncoding, err))
	}
	return nil
}

// fail logs the error and publishes a diagnostic event before returning
// it to the caller. Transport failures are never silently swallowed.
func (c *Client) fail(op, rawURL string, err error) error {
	c.logger.Warn("transport failure", zap.String("op", op), zap.String("url", rawURL), zap.Error(err))
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(bus.KindTransportFailure, Failure{Op: op, URL: rawURL, Err: err}))
	}
	return err
}

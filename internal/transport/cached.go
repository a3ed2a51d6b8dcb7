package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/andrefmz/chatsync/internal/respcache"
)

// CachedClient is the offline variant of Client: it serves previously
// cached response bytes for the same URL and params instead of hitting
// the network.
type CachedClient struct {
	base  *url.URL
	cache *respcache.Cache
}

// NewCached creates a cached client over the same base URL as its network
// counterpart.
func NewCached(baseURL string, cache *respcache.Cache) (*CachedClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, baseURL)
	}
	return &CachedClient{base: base, cache: cache}, nil
}

// RetrieveBytes returns the cached body for a path and params, or
// ErrNoCachedData when none exists.
func (c *CachedClient) RetrieveBytes(path string, params url.Values) ([]byte, error) {
	u, err := c.base.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURL, path, err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	body, err := c.cache.Get(u)
	if errors.Is(err, respcache.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCachedData, u.Path)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Retrieve decodes the cached body for a path and params into out.
func (c *CachedClient) Retrieve(path string, params url.Values, out any) error {
	body, err := c.RetrieveBytes(path, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDataEncoding, err)
	}
	return nil
}

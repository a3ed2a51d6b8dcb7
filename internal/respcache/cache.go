// Package respcache is an encrypted on-disk cache for REST response
// bodies, used for offline fallback reads. Entries are keyed by a hash of
// URL path plus sorted non-volatile query parameters and sealed with
// nacl/secretbox.
package respcache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNotFound is returned when no readable entry exists for a key.
var ErrNotFound = errors.New("no cached data")

const nonceSize = 24

// volatileParams are excluded from cache keys. "t" is a cache-buster the
// backend requires on every call; including it would make every request a
// distinct key.
var volatileParams = map[string]bool{"t": true}

// Cache stores sealed response bodies under
// <dir>/<host>/<hash[:2]>/<hash>.
type Cache struct {
	dir    string
	key    [32]byte
	logger *zap.Logger
}

// New creates a cache rooted at dir, sealing entries with the given key.
func New(dir string, key [32]byte, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, key: key, logger: logger}
}

// KeyFor computes the cache key for a request URL: SHA-256 over host,
// path and the sorted query with volatile parameters removed.
func KeyFor(u *url.URL) string {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if volatileParams[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(u.Host)
	b.WriteString(u.Path)
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString("&")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Put seals and stores a response body for a request URL.
func (c *Cache) Put(u *url.URL, body []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("cache nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], body, &nonce, &c.key)

	path := c.pathFor(u)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Get returns the cached body for a request URL. Missing and unreadable
// entries both return ErrNotFound; a corrupt entry is removed.
func (c *Cache) Get(u *url.URL) ([]byte, error) {
	path := c.pathFor(u)
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	if len(sealed) < nonceSize {
		c.evict(path)
		return nil, ErrNotFound
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	body, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		c.evict(path)
		return nil, ErrNotFound
	}
	return body, nil
}

func (c *Cache) evict(path string) {
	c.logger.Warn("removing unreadable cache entry", zap.String("path", path))
	_ = os.Remove(path)
}

func (c *Cache) pathFor(u *url.URL) string {
	key := KeyFor(u)
	host := u.Host
	if host == "" {
		host = "local"
	}
	return filepath.Join(c.dir, host, key[:2], key)
}

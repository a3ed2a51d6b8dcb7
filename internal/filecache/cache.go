// Package filecache stages binary payloads on disk, keyed by uuid. The
// send pipeline caches raw content here before any network call so an
// app kill mid-send resumes from cached bytes, and downloads land here
// so content is fetched at most once.
package filecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotCached is returned when no payload exists for a uuid.
var ErrNotCached = errors.New("payload not cached")

// Cache is a flat directory of payloads named by uuid.
type Cache struct {
	dir string
}

// New creates a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("file cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// PathFor returns the on-disk path a uuid resolves to, whether or not a
// payload exists there yet.
func (c *Cache) PathFor(uuid string) string {
	return filepath.Join(c.dir, uuid)
}

// Put stores a payload and returns its local path.
func (c *Cache) Put(uuid string, data []byte) (string, error) {
	path := c.PathFor(uuid)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("file cache write: %w", err)
	}
	return path, nil
}

// Get returns the payload for a uuid, or ErrNotCached.
func (c *Cache) Get(uuid string) ([]byte, error) {
	data, err := os.ReadFile(c.PathFor(uuid))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, uuid)
	}
	return data, nil
}

// Has reports whether a payload exists for a uuid.
func (c *Cache) Has(uuid string) bool {
	_, err := os.Stat(c.PathFor(uuid))
	return err == nil
}

// Delete removes the payload for a uuid. Missing payloads are not an
// error.
func (c *Cache) Delete(uuid string) error {
	err := os.Remove(c.PathFor(uuid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

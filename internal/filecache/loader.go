package filecache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FetchFunc downloads the remote payload at a path and returns its bytes.
type FetchFunc func(ctx context.Context, remotePath string) ([]byte, error)

const (
	// loadRetries bounds the retry loop for a nil/failed fetch; retries
	// are explicit and bounded, never recursive.
	loadRetries    = 3
	loadRetryDelay = 2 * time.Second
)

// Loader resolves content payloads by uuid: disk cache first, then one
// shared download per uuid no matter how many callers ask concurrently.
// Results are kept in a small LRU so repeated renders of the same message
// don't re-read disk.
type Loader struct {
	cache  *Cache
	fetch  FetchFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string][]chan loadResult
	lru     *lruCache
}

type loadResult struct {
	data []byte
	err  error
}

// NewLoader creates a loader over a disk cache and a fetch function.
// lruSize bounds the in-memory payload cache.
func NewLoader(cache *Cache, fetch FetchFunc, lruSize int, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cache:   cache,
		fetch:   fetch,
		logger:  logger,
		pending: make(map[string][]chan loadResult),
		lru:     newLRUCache(lruSize),
	}
}

// Load returns the payload for a uuid, downloading from remotePath on a
// cache miss. Concurrent calls for the same uuid share one download.
func (l *Loader) Load(ctx context.Context, uuid, remotePath string) ([]byte, error) {
	l.mu.Lock()
	if data, ok := l.lru.get(uuid); ok {
		l.mu.Unlock()
		return data, nil
	}
	if waiters, inFlight := l.pending[uuid]; inFlight {
		ch := make(chan loadResult, 1)
		l.pending[uuid] = append(waiters, ch)
		l.mu.Unlock()
		select {
		case res := <-ch:
			return res.data, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.pending[uuid] = []chan loadResult{}
	l.mu.Unlock()

	data, err := l.load(ctx, uuid, remotePath)

	l.mu.Lock()
	if err == nil {
		l.lru.put(uuid, data)
	}
	waiters := l.pending[uuid]
	delete(l.pending, uuid)
	l.mu.Unlock()

	for _, ch := range waiters {
		ch <- loadResult{data: data, err: err}
	}
	return data, err
}

// Evict drops a uuid from the in-memory cache, e.g. when its message is
// deleted.
func (l *Loader) Evict(uuid string) {
	l.mu.Lock()
	l.lru.remove(uuid)
	l.mu.Unlock()
}

func (l *Loader) load(ctx context.Context, uuid, remotePath string) ([]byte, error) {
	if data, err := l.cache.Get(uuid); err == nil {
		return data, nil
	}
	if remotePath == "" {
		return nil, fmt.Errorf("%w: %s (no remote path)", ErrNotCached, uuid)
	}

	var lastErr error
	for attempt := 0; attempt < loadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(loadRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, err := l.fetch(ctx, remotePath)
		if err == nil && data != nil {
			if _, err := l.cache.Put(uuid, data); err != nil {
				l.logger.Warn("caching downloaded payload failed", zap.String("uuid", uuid), zap.Error(err))
			}
			return data, nil
		}
		if err == nil {
			err = fmt.Errorf("empty payload for %s", remotePath)
		}
		lastErr = err
		l.logger.Warn("payload fetch failed", zap.String("uuid", uuid), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// lruCache is a minimal LRU keyed by uuid. Callers hold Loader.mu.
type lruCache struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key  string
	data []byte
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 32
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

func (c *lruCache) put(key string, data []byte) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).data = data
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, data: data})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) remove(key string) {
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

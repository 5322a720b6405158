package raster

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the default number of open raster handles retained.
// Each handle holds a parsed header and GDAL block cache; tens are cheap,
// thousands are not.
const DefaultCacheSize = 16

// DatasetCache is the shared LRU of open raster handles. Concurrent opens
// of the same path are coalesced so a cold miss costs exactly one header
// read no matter how many requests race on it; evicted handles have their
// datasets closed.
type DatasetCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *Handle]
	group  singleflight.Group
	opens  int64
	hits   int64
	closed bool
}

// NewDatasetCache creates a cache with the given capacity (DefaultCacheSize
// when size <= 0).
func NewDatasetCache(size int) *DatasetCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &DatasetCache{}
	c.lru, _ = lru.NewWithEvict[string, *Handle](size, func(path string, h *Handle) {
		slog.Debug("raster handle evicted", "path", path)
		h.Close()
	})
	return c
}

// Open returns a cached handle for the path, opening it once under
// concurrent demand.
func (c *DatasetCache) Open(path string) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	if h, ok := c.lru.Get(path); ok {
		c.hits++
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	executed := false
	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		executed = true
		// Re-check under singleflight: a racing caller may have populated
		// the cache while this one waited for the flight slot.
		c.mu.Lock()
		if h, ok := c.lru.Get(path); ok {
			c.hits++
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()

		h, err := Open(path)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			h.Close()
			return nil, errClosed
		}
		c.opens++
		c.lru.Add(path, h)
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	if !executed {
		// This caller shared another caller's flight: count it as a hit.
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
	}
	return v.(*Handle), nil
}

// Remove drops and closes the handle for a path, if cached. Used when a
// raster turns out to be gone from the bucket mid-request.
func (c *DatasetCache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(path) // eviction callback closes the handle
}

// Stats reports cache effectiveness counters.
func (c *DatasetCache) Stats() (opens, hits int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.hits, c.lru.Len()
}

// Close evicts every handle. Subsequent Opens fail.
func (c *DatasetCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.lru.Purge()
}

var errClosed = &cacheClosedError{}

type cacheClosedError struct{}

func (*cacheClosedError) Error() string { return "dataset cache closed" }

// Package runcache is the per-run recognition cache. It exists to enforce a
// hard invariant: each (tile, channel) pair is computed at most once per
// analysis run, no matter how many concurrent workers or batches ask for it.
package runcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/local/drawingfusion/internal/tiling"
)

// Channel names the recognition track a result belongs to.
type Channel string

const (
	ChannelText   Channel = "text"
	ChannelVision Channel = "vision"
)

// Key identifies one cached recognition result.
type Key struct {
	Tile    tiling.TileID
	Channel Channel
}

type entry struct {
	ready chan struct{}
	val   any
	err   error
}

// Cache is created fresh for each analysis run and discarded at the end.
// There is no cross-run persistence.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry

	hits   atomic.Int64
	misses atomic.Int64
}

func New() *Cache {
	return &Cache{entries: make(map[Key]*entry)}
}

// GetOrCompute returns the cached result for key, invoking produce exactly
// once per key across all concurrent callers. The first caller for a key runs
// the producer; later callers block until it completes and then share the
// outcome, errors included. A failed producer is not re-run, since re-running
// would break the at-most-once contract toward the external provider.
// The returned bool reports whether this call was served from cache.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, produce func(ctx context.Context) (any, error)) (any, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		c.hits.Add(1)
		select {
		case <-e.ready:
			return e.val, true, e.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}
	e := &entry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	c.misses.Add(1)
	e.val, e.err = produce(ctx)
	close(e.ready)
	return e.val, false, e.err
}

// Peek returns a completed result without computing anything. The scheduler
// consults this before spending a worker slot on a tile.
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.val, e.err == nil
	default:
		return nil, false
	}
}

// Stats reports hit and miss counts for the run report.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

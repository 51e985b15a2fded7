package smalloc

import (
	"sync"
	"sync/atomic"
)

const (
	// SlabSize is the fixed size of an arena slab.
	SlabSize = 16 * 1024 * 1024
)

// Arena supplies fixed-size slabs, charging every slab to the quota.
type Arena struct {
	quota *Quota

	// Advisory: slab memory should be excluded from core dumps. Go heap
	// memory cannot be marked per-allocation, so the flag is carried for
	// introspection only.
	DontDump bool

	slabCount atomic.Int64
}

// NewArena creates an arena over the given quota.
func NewArena(quota *Quota, dontDump bool) *Arena {
	return &Arena{quota: quota, DontDump: dontDump}
}

// AllocSlab allocates one slab, charging SlabSize to the quota.
func (a *Arena) AllocSlab() ([]byte, error) {
	if err := a.quota.Use(SlabSize); err != nil {
		return nil, err
	}
	a.slabCount.Add(1)
	return make([]byte, SlabSize), nil
}

// ReleaseSlab returns one slab's worth of quota. The slab memory itself is
// reclaimed by the runtime once unreferenced.
func (a *Arena) ReleaseSlab() {
	a.slabCount.Add(-1)
	a.quota.Release(SlabSize)
}

// SlabCount returns the number of live slabs.
func (a *Arena) SlabCount() int64 { return a.slabCount.Load() }

// SlabCache fronts an arena with a free list of recycled slabs and a used
// byte counter. Two independent caches share one arena: one backs tuple
// data, the other accounts index extents.
type SlabCache struct {
	arena *Arena

	mu        sync.Mutex
	freeSlabs [][]byte

	used atomic.Int64
}

// NewSlabCache creates a cache over the arena.
func NewSlabCache(arena *Arena) *SlabCache {
	return &SlabCache{arena: arena}
}

// AllocSlab returns a slab from the free list or the arena.
func (c *SlabCache) AllocSlab() ([]byte, error) {
	c.mu.Lock()
	if n := len(c.freeSlabs); n > 0 {
		slab := c.freeSlabs[n-1]
		c.freeSlabs = c.freeSlabs[:n-1]
		c.mu.Unlock()
		c.used.Add(SlabSize)
		return slab, nil
	}
	c.mu.Unlock()

	slab, err := c.arena.AllocSlab()
	if err != nil {
		return nil, err
	}
	c.used.Add(SlabSize)
	return slab, nil
}

// FreeSlab recycles a slab onto the free list. The quota stays charged
// until Destroy.
func (c *SlabCache) FreeSlab(slab []byte) {
	c.used.Add(-SlabSize)
	c.mu.Lock()
	c.freeSlabs = append(c.freeSlabs, slab)
	c.mu.Unlock()
}

// Use charges n bytes of non-slab memory (index extents) to the cache and
// the quota.
func (c *SlabCache) Use(n int64) error {
	if err := c.arena.quota.Use(n); err != nil {
		return err
	}
	c.used.Add(n)
	return nil
}

// Release undoes a Use charge.
func (c *SlabCache) Release(n int64) {
	c.used.Add(-n)
	c.arena.quota.Release(n)
}

// Used returns the bytes currently charged through this cache.
func (c *SlabCache) Used() int64 { return c.used.Load() }

// Destroy releases the free list back to the arena.
func (c *SlabCache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range c.freeSlabs {
		c.arena.ReleaseSlab()
	}
	c.freeSlabs = nil
}

package engine

import (
	"memstone/smalloc"
)

// extent is one fixed-size block of index slots. Block memory is charged
// to the index slab cache at ExtentSize granularity.
//
// A block referenced by more than one holder (the index plus read views)
// is immutable; mutations copy it first. That is what makes snapshot
// traversal stable while writers continue.
type extent struct {
	refs  int32
	slots []*Tuple
}

func (x *extent) ref() { x.refs++ }

// ExtentPool supplies extents for index internals. Reserve moves extents
// onto a reservation list so that a later alloc cannot fail mid-rebalance;
// freed extents are recycled uncharged.
//
// Thread-safety: confined to the engine mutex.
type ExtentPool struct {
	cache    *smalloc.SlabCache
	reserved []*extent // charged, alloc cannot fail
	free     []*extent // recycled, uncharged
	inUse    int
}

func newExtentPool(cache *smalloc.SlabCache) *ExtentPool {
	return &ExtentPool{cache: cache}
}

// Reserve tops the reservation list up to n extents. After it succeeds the
// next n Alloc calls return non-nil without consulting the quota.
func (p *ExtentPool) Reserve(n int) error {
	for len(p.reserved) < n {
		x, err := p.charge()
		if err != nil {
			return err
		}
		p.reserved = append(p.reserved, x)
	}
	return nil
}

// Alloc returns an extent: from the reservation list first, then the
// recycled list, then fresh memory. Returns nil when the quota is
// exhausted; index code reserves first and panics on a nil extent.
func (p *ExtentPool) Alloc() *extent {
	if n := len(p.reserved); n > 0 {
		x := p.reserved[n-1]
		p.reserved = p.reserved[:n-1]
		p.inUse++
		x.refs = 1
		return x
	}
	x, err := p.charge()
	if err != nil {
		return nil
	}
	p.inUse++
	x.refs = 1
	return x
}

// charge produces a charged, unowned extent.
func (p *ExtentPool) charge() (*extent, error) {
	if err := p.cache.Use(ExtentSize); err != nil {
		return nil, err
	}
	if n := len(p.free); n > 0 {
		x := p.free[n-1]
		p.free = p.free[:n-1]
		return x, nil
	}
	return &extent{slots: make([]*Tuple, 0, extentSlots)}, nil
}

// Free returns an extent to the pool and releases its charge.
func (p *ExtentPool) Free(x *extent) {
	x.slots = x.slots[:0]
	x.refs = 0
	p.inUse--
	p.cache.Release(ExtentSize)
	p.free = append(p.free, x)
}

// unrefExtent drops one holder; the last holder frees the extent.
func (p *ExtentPool) unrefExtent(x *extent) {
	if x.refs <= 0 {
		panic("extent reference count underflow")
	}
	x.refs--
	if x.refs == 0 {
		p.Free(x)
	}
}

// Reserved returns the reservation list length.
func (p *ExtentPool) Reserved() int { return len(p.reserved) }

// InUse returns the number of extents currently owned by indexes or read
// views.
func (p *ExtentPool) InUse() int { return p.inUse }

// Destroy releases the reservation list charges.
func (p *ExtentPool) Destroy() {
	for range p.reserved {
		p.cache.Release(ExtentSize)
	}
	p.reserved = nil
	p.free = nil
}

package smalloc

import (
	"sort"
)

const (
	// ObjsizeMin is the smallest allocation class. Requested minimums
	// below it are rounded up.
	ObjsizeMin = 16

	// maxObjSize bounds the largest class. Objects are carved out of
	// slabs, so a class must fit a slab with room to spare.
	maxObjSize = SlabSize / 4

	// DefaultAllocFactor is the geometric growth factor between
	// consecutive size classes.
	DefaultAllocFactor = 1.05
)

// FreeMode selects how Free behaves.
type FreeMode int

const (
	// FreeImmediate returns blocks to their class free list right away.
	FreeImmediate FreeMode = iota
	// FreeDelayed queues blocks; they are released in bulk when the
	// allocator switches back to FreeImmediate.
	FreeDelayed
)

// sizeClass carves fixed-size blocks out of slabs and recycles freed ones.
type sizeClass struct {
	size     int
	free     [][]byte
	curSlab  []byte
	curOff   int
	ownSlabs [][]byte
}

// Allocator is a size-class allocator over a slab cache. It is the tuple
// data allocator: all tuple payloads and chunks live in its blocks.
//
// Thread-safety: callers serialize access externally, reads through Used
// included.
type Allocator struct {
	cache   *SlabCache
	classes []*sizeClass
	sizes   []int // ascending class sizes, parallel to classes
	mode    FreeMode
	delayed [][]byte
	used    int64
}

// NewAllocator creates an allocator with classes growing geometrically from
// objsizeMin by factor. Zero arguments select the defaults.
func NewAllocator(cache *SlabCache, objsizeMin int, factor float64) *Allocator {
	if objsizeMin < ObjsizeMin {
		objsizeMin = ObjsizeMin
	}
	// Round the minimum up to a multiple of 16.
	objsizeMin = (objsizeMin + 15) &^ 15
	if factor <= 1.0 {
		factor = DefaultAllocFactor
	}

	a := &Allocator{cache: cache}
	for size := objsizeMin; size <= maxObjSize; {
		a.sizes = append(a.sizes, size)
		a.classes = append(a.classes, &sizeClass{size: size})
		next := int(float64(size) * factor)
		// Keep classes 16-byte aligned and strictly growing.
		next = (next + 15) &^ 15
		if next <= size {
			next = size + 16
		}
		size = next
	}
	return a
}

// classFor finds the smallest class that fits size.
func (a *Allocator) classFor(size int) (*sizeClass, bool) {
	i := sort.SearchInts(a.sizes, size)
	if i == len(a.sizes) {
		return nil, false
	}
	return a.classes[i], true
}

// classOf maps a block back to its class by capacity. Blocks are always
// carved with cap equal to the class size.
func (a *Allocator) classOf(block []byte) *sizeClass {
	i := sort.SearchInts(a.sizes, cap(block))
	if i == len(a.sizes) || a.sizes[i] != cap(block) {
		panic("smalloc: freeing a block this allocator did not produce")
	}
	return a.classes[i]
}

// Alloc returns a block of at least size bytes. The block's len is size and
// its cap is the class size. Fails with ErrOutOfMemory when the quota is
// exhausted and with ErrObjectTooLarge when no class fits.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		size = 1
	}
	cls, ok := a.classFor(size)
	if !ok {
		return nil, ErrObjectTooLarge
	}

	if n := len(cls.free); n > 0 {
		block := cls.free[n-1]
		cls.free = cls.free[:n-1]
		a.used += int64(cls.size)
		clear(block)
		return block[:size], nil
	}

	if cls.curSlab == nil || cls.curOff+cls.size > len(cls.curSlab) {
		slab, err := a.cache.AllocSlab()
		if err != nil {
			return nil, err
		}
		cls.ownSlabs = append(cls.ownSlabs, slab)
		cls.curSlab = slab
		cls.curOff = 0
	}

	block := cls.curSlab[cls.curOff : cls.curOff+size : cls.curOff+cls.size]
	cls.curOff += cls.size
	a.used += int64(cls.size)
	return block, nil
}

// Free releases a block. In FreeDelayed mode the block is queued instead
// and released when the allocator leaves delayed mode.
func (a *Allocator) Free(block []byte) {
	if a.mode == FreeDelayed {
		a.delayed = append(a.delayed, block)
		return
	}
	a.freeNow(block)
}

// FreeNow releases a block immediately regardless of the current mode.
// Used for blocks known not to be visible to any in-flight snapshot.
func (a *Allocator) FreeNow(block []byte) {
	a.freeNow(block)
}

func (a *Allocator) freeNow(block []byte) {
	cls := a.classOf(block)
	cls.free = append(cls.free, block[:cap(block)])
	a.used -= int64(cls.size)
}

// SetFreeMode switches the free discipline. Leaving FreeDelayed drains the
// queue, releasing every delayed block.
func (a *Allocator) SetFreeMode(mode FreeMode) {
	if a.mode == FreeDelayed && mode == FreeImmediate {
		for _, block := range a.delayed {
			a.freeNow(block)
		}
		a.delayed = a.delayed[:0]
	}
	a.mode = mode
}

// Mode returns the current free discipline.
func (a *Allocator) Mode() FreeMode { return a.mode }

// DelayedCount returns the number of queued delayed frees.
func (a *Allocator) DelayedCount() int { return len(a.delayed) }

// Used returns the bytes held by live blocks (delayed blocks included).
func (a *Allocator) Used() int64 { return a.used }

// Destroy returns every slab owned by the allocator to its cache.
func (a *Allocator) Destroy() {
	for _, cls := range a.classes {
		for _, slab := range cls.ownSlabs {
			a.cache.FreeSlab(slab)
		}
		cls.ownSlabs = nil
		cls.free = nil
		cls.curSlab = nil
	}
	a.delayed = nil
	a.used = 0
}

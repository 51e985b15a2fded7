package engine

import (
	"fmt"
	"sort"
)

// gcBatchSize is the number of tuples a retired-index GC task releases per
// run step.
const gcBatchSize = 1000

// treeIndex keeps tuples sorted by key in a flat sequence of extent-backed
// blocks. A snapshot read view captures the block list and pins every
// block; pinned blocks are copied before mutation, so the view stays
// stable while writers continue.
type treeIndex struct {
	def    *IndexDef
	engine *Engine
	pool   *ExtentPool
	blocks []*extent
	count  int
}

func newTreeIndex(e *Engine, def *IndexDef) *treeIndex {
	return &treeIndex{def: def, engine: e, pool: e.extents}
}

func (ti *treeIndex) Def() *IndexDef { return ti.def }
func (ti *treeIndex) Size() int      { return ti.count }

// mustKey extracts the key of a tuple already stored in the index. Stored
// tuples were validated on insert.
func (ti *treeIndex) mustKey(t *Tuple) []any {
	key, err := extractKey(ti.def, t)
	if err != nil {
		panic(fmt.Sprintf("stored tuple lost an indexed field: %v", err))
	}
	return key
}

// find locates the block and slot where key lives or would be inserted.
func (ti *treeIndex) find(key []any) (bi, si int, match bool) {
	if len(ti.blocks) == 0 {
		return 0, 0, false
	}
	bi = sort.Search(len(ti.blocks), func(i int) bool {
		b := ti.blocks[i]
		last := b.slots[len(b.slots)-1]
		return compareKeys(ti.mustKey(last), key) >= 0
	})
	if bi == len(ti.blocks) {
		bi--
		return bi, len(ti.blocks[bi].slots), false
	}
	b := ti.blocks[bi]
	si = sort.Search(len(b.slots), func(j int) bool {
		return compareKeys(ti.mustKey(b.slots[j]), key) >= 0
	})
	if si < len(b.slots) && compareKeys(ti.mustKey(b.slots[si]), key) == 0 {
		return bi, si, true
	}
	return bi, si, false
}

// writable returns block bi, copying it first if a read view pins it.
// Callers must hold an extent reservation.
func (ti *treeIndex) writable(bi int) *extent {
	b := ti.blocks[bi]
	if b.refs == 1 {
		return b
	}
	nb := ti.pool.Alloc()
	if nb == nil {
		panic("extent allocation failed despite reservation")
	}
	nb.slots = append(nb.slots[:0], b.slots...)
	ti.pool.unrefExtent(b)
	ti.blocks[bi] = nb
	return nb
}

func (ti *treeIndex) insertAt(bi, si int, t *Tuple) {
	if len(ti.blocks) == 0 {
		nb := ti.pool.Alloc()
		if nb == nil {
			panic("extent allocation failed despite reservation")
		}
		nb.slots = append(nb.slots, t)
		ti.blocks = append(ti.blocks, nb)
		ti.count++
		return
	}

	b := ti.writable(bi)
	if len(b.slots) == extentSlots {
		// Split the full block, then insert into the proper half.
		nb := ti.pool.Alloc()
		if nb == nil {
			panic("extent allocation failed despite reservation")
		}
		half := extentSlots / 2
		nb.slots = append(nb.slots, b.slots[half:]...)
		b.slots = b.slots[:half]

		ti.blocks = append(ti.blocks, nil)
		copy(ti.blocks[bi+2:], ti.blocks[bi+1:])
		ti.blocks[bi+1] = nb

		if si > half {
			b = nb
			si -= half
			bi++
		}
	}

	b.slots = append(b.slots, nil)
	copy(b.slots[si+1:], b.slots[si:])
	b.slots[si] = t
	ti.count++
}

func (ti *treeIndex) deleteAt(bi, si int) {
	b := ti.writable(bi)
	copy(b.slots[si:], b.slots[si+1:])
	b.slots = b.slots[:len(b.slots)-1]
	ti.count--

	if len(b.slots) == 0 {
		ti.pool.unrefExtent(b)
		copy(ti.blocks[bi:], ti.blocks[bi+1:])
		ti.blocks = ti.blocks[:len(ti.blocks)-1]
	}
}

// Replace removes old and inserts new under the duplicate policy, returning
// the displaced tuple. The caller holds the extent reservation, so no step
// fails for memory; after the first mutation the only remaining failure is
// an old tuple that is not in the index.
func (ti *treeIndex) Replace(old, new *Tuple, policy DupPolicy) (*Tuple, error) {
	var displaced *Tuple

	if new != nil {
		key, err := extractKey(ti.def, new)
		if err != nil {
			return nil, err
		}
		bi, si, match := ti.find(key)
		if match {
			existing := ti.blocks[bi].slots[si]
			if policy == DupInsert && existing != old {
				return nil, fmt.Errorf("index %q: %w", ti.def.Name, ErrDuplicateKey)
			}
			b := ti.writable(bi)
			b.slots[si] = new
			displaced = existing
		} else {
			if policy == DupReplace {
				return nil, fmt.Errorf("index %q: %w", ti.def.Name, ErrTupleNotFound)
			}
			ti.insertAt(bi, si, new)
		}
	}

	if old != nil && old != displaced {
		key := ti.mustKey(old)
		bi, si, match := ti.find(key)
		if !match || ti.blocks[bi].slots[si] != old {
			return displaced, fmt.Errorf("index %q: %w", ti.def.Name, ErrTupleNotFound)
		}
		ti.deleteAt(bi, si)
	}
	return displaced, nil
}

// Get returns the tuple with the given key, or nil.
func (ti *treeIndex) Get(key []any) (*Tuple, error) {
	bi, si, match := ti.find(key)
	if !match {
		return nil, nil
	}
	return ti.blocks[bi].slots[si], nil
}

// Ascend walks tuples in key order.
func (ti *treeIndex) Ascend(fn func(*Tuple) bool) {
	for _, b := range ti.blocks {
		for _, t := range b.slots {
			if !fn(t) {
				return
			}
		}
	}
}

// Build bulk-loads the index from the primary key.
func (ti *treeIndex) Build(pk Index) error {
	var buildErr error
	pk.Ascend(func(t *Tuple) bool {
		if err := ti.engine.reserveExtentsWithGC(reserveExtentsBeforeReplace); err != nil {
			buildErr = err
			return false
		}
		if _, err := ti.Replace(nil, t, DupInsert); err != nil {
			buildErr = err
			return false
		}
		return true
	})
	return buildErr
}

// EndBuild finishes the recovery-time bulk load. Rows arrive in key order
// from a snapshot, so there is nothing left to sort.
func (ti *treeIndex) EndBuild() {}

// CreateSnapshotIterator captures a read view: the current block list with
// every block pinned.
func (ti *treeIndex) CreateSnapshotIterator() SnapshotIterator {
	blocks := make([]*extent, len(ti.blocks))
	copy(blocks, ti.blocks)
	for _, b := range blocks {
		b.ref()
	}
	return &treeSnapshotIterator{pool: ti.pool, blocks: blocks}
}

// retire detaches the index contents into a GC task. When dropTuples is
// set (primary index of a dropped space) the task also releases the
// space's tuple references, a batch per step.
func (ti *treeIndex) retire(dropTuples bool) *indexDropTask {
	task := &indexDropTask{
		name:       ti.def.Name,
		pool:       ti.pool,
		blocks:     ti.blocks,
		dropTuples: dropTuples,
	}
	ti.blocks = nil
	ti.count = 0
	return task
}

// treeSnapshotIterator walks a pinned block list. Next is called from the
// checkpoint writer thread; the delayed-free discipline keeps every
// reachable tuple allocated until the view closes.
type treeSnapshotIterator struct {
	pool   *ExtentPool
	blocks []*extent
	bi, si int
}

func (it *treeSnapshotIterator) Next() []byte {
	for it.bi < len(it.blocks) {
		b := it.blocks[it.bi]
		if it.si < len(b.slots) {
			data := b.slots[it.si].Data()
			it.si++
			return data
		}
		it.bi++
		it.si = 0
	}
	return nil
}

func (it *treeSnapshotIterator) Close() {
	for _, b := range it.blocks {
		it.pool.unrefExtent(b)
	}
	it.blocks = nil
}

// indexDropTask reclaims a retired index: Run releases tuple references a
// batch at a time, Free returns the extents. The engine defers Free while
// a checkpoint is in flight.
type indexDropTask struct {
	name       string
	pool       *ExtentPool
	blocks     []*extent
	dropTuples bool
	bi, si     int
}

func (task *indexDropTask) Run() bool {
	if !task.dropTuples {
		return true
	}
	released := 0
	for task.bi < len(task.blocks) {
		b := task.blocks[task.bi]
		for task.si < len(b.slots) {
			if released == gcBatchSize {
				return false
			}
			b.slots[task.si].Unref()
			task.si++
			released++
		}
		task.bi++
		task.si = 0
	}
	return true
}

func (task *indexDropTask) Free() {
	for _, b := range task.blocks {
		task.pool.unrefExtent(b)
	}
	task.blocks = nil
}

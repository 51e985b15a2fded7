package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"memstone/smalloc"
	"memstone/vclock"
	"memstone/xlog"
)

// Interface is the engine vtable: the operations the surrounding database
// drives the engine through.
type Interface interface {
	Shutdown()
	CreateSpace(def SpaceDef, indexDefs []*IndexDef) (*Space, error)
	Join(clock *vclock.Clock, stream Xstream) error
	Begin() *Txn
	RollbackStatement(stmt *Stmt)
	Bootstrap() error
	BeginInitialRecovery(clock *vclock.Clock) error
	BeginFinalRecovery() error
	EndRecovery() error
	BeginCheckpoint() error
	WaitCheckpoint(target *vclock.Clock) error
	CommitCheckpoint(target *vclock.Clock) error
	AbortCheckpoint()
	CollectGarbage(clock *vclock.Clock)
	Backup(clock *vclock.Clock, cb func(path string) error) error
	MemoryStat() MemoryStat
}

var _ Interface = (*Engine)(nil)

// Engine is the in-memory storage engine. It is an explicit value: every
// operation goes through it, and Shutdown tears it down in reverse
// construction order.
type Engine struct {
	mu     sync.Mutex
	logger *slog.Logger

	quota          *smalloc.Quota
	arena          *smalloc.Arena
	slabCache      *smalloc.SlabCache
	indexSlabCache *smalloc.SlabCache
	alloc          *smalloc.Allocator
	extents        *ExtentPool

	dir      *xlog.Dir
	registry *checkpointRegistry

	spaces       map[uint32]*Space
	formats      map[uint32]*Format
	nextFormatID uint32
	tupleCount   int64

	state         EngineState
	forceRecovery bool

	// Snapshot generation: bumped once per checkpoint, stamped into
	// every tuple at allocation.
	generation uint32

	checkpoint      *checkpoint
	maxTupleSize    int
	snapIORateLimit float64

	checkpointsDone uint64
	snapshotRows    int64

	gcQueue  []GCTask
	gcToFree []GCTask

	closed  atomic.Bool
	closeCh chan struct{}
	gcWake  chan struct{}
	wg      sync.WaitGroup
}

// New creates an engine, scans the snapshot directory and apprises the
// checkpoint registry of every snapshot already on disk.
func New(opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	quota := smalloc.NewQuota(opts.ArenaMaxSize)
	arena := smalloc.NewArena(quota, opts.DontDump)
	slabCache := smalloc.NewSlabCache(arena)
	indexSlabCache := smalloc.NewSlabCache(arena)
	alloc := smalloc.NewAllocator(slabCache, opts.ObjsizeMin, opts.AllocFactor)

	dir, err := xlog.NewDir(opts.SnapDir, uuid.New(), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("snapshot directory: %w", err)
	}
	if err := dir.Scan(); err != nil {
		return nil, err
	}

	registry, err := openCheckpointRegistry(filepath.Join(opts.SnapDir, "registry"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:          opts.Logger,
		quota:           quota,
		arena:           arena,
		slabCache:       slabCache,
		indexSlabCache:  indexSlabCache,
		alloc:           alloc,
		dir:             dir,
		registry:        registry,
		spaces:          make(map[uint32]*Space),
		formats:         make(map[uint32]*Format),
		state:           StateInitialized,
		forceRecovery:   opts.ForceRecovery,
		maxTupleSize:    opts.MaxTupleSize,
		snapIORateLimit: opts.SnapIORateLimit * 1024 * 1024,
		closeCh:         make(chan struct{}),
		gcWake:          make(chan struct{}, 1),
	}
	e.extents = newExtentPool(indexSlabCache)

	// Apprise the garbage collector of the checkpoints found on disk.
	dir.Each(func(c *vclock.Clock) bool {
		if !registry.Has(c.Sum()) {
			if err := registry.Add(c, 0, 0); err != nil {
				opts.Logger.Warn("Failed to register existing checkpoint",
					"signature", c.Sum(), "err", err)
			}
		}
		return true
	})

	e.wg.Add(1)
	go e.gcWorker()
	return e, nil
}

// Shutdown stops the engine: the in-flight checkpoint is cancelled, the
// GC worker joins, space memory is released, and the extent pool,
// registry, allocator and slab caches are released in reverse construction
// order.
func (e *Engine) Shutdown() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()

	if e.checkpoint != nil {
		e.checkpointCancel(e.checkpoint)
	}

	close(e.closeCh)
	e.mu.Unlock()
	e.wg.Wait()
	e.mu.Lock()

	for id, sp := range e.spaces {
		e.destroySpace(sp)
		delete(e.spaces, id)
	}
	// Drain any GC work left behind by the dropped spaces.
	for !e.runGCStepLocked() {
	}
	e.gcAfterCheckpoint()

	e.extents.Destroy()
	if err := e.registry.Close(); err != nil {
		e.logger.Warn("Failed to close checkpoint registry", "err", err)
	}
	e.alloc.Destroy()
	e.indexSlabCache.Destroy()
	e.slabCache.Destroy()
	e.mu.Unlock()
}

// destroySpace retires every index and releases the space's tuples,
// synchronously. Used at shutdown; DropSpace goes through the GC worker.
func (e *Engine) destroySpace(sp *Space) {
	for i := len(sp.indexes) - 1; i >= 0; i-- {
		ti, ok := sp.indexes[i].(*treeIndex)
		if !ok {
			continue
		}
		task := ti.retire(i == 0)
		for !task.Run() {
		}
		task.Free()
	}
	sp.indexes = nil
}

// CreateSpace registers a space with its indexes. The space's replace
// behavior is derived from the engine state: spaces created during
// recovery start with unbuilt keys.
func (e *Engine) CreateSpace(def SpaceDef, indexDefs []*IndexDef) (*Space, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.spaces[def.ID]; ok {
		return nil, fmt.Errorf("space %d: %w", def.ID, ErrSpaceExists)
	}
	if def.EngineName == "" {
		def.EngineName = EngineName
	}

	f := &Format{id: e.nextFormatID, engine: e, Temporary: def.Temporary}
	e.nextFormatID++
	e.formats[f.id] = f

	sp := &Space{
		def:    def,
		engine: e,
		format: f,
	}
	for _, idxDef := range indexDefs {
		d := *idxDef
		d.SpaceID = def.ID
		sp.indexes = append(sp.indexes, newTreeIndex(e, &d))
	}

	switch e.state {
	case StateOK:
		sp.replace = ReplaceAll
	case StateFinalRecovery:
		sp.replace = ReplacePrimary
	default:
		sp.replace = ReplaceNone
	}

	e.spaces[def.ID] = sp
	return sp, nil
}

// Space returns a space by id, or nil.
func (e *Engine) Space(id uint32) *Space {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spaces[id]
}

// DropSpace unregisters a space and schedules its memory for cooperative
// reclamation.
func (e *Engine) DropSpace(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sp, ok := e.spaces[id]
	if !ok {
		return ErrNoSuchSpace
	}
	delete(e.spaces, id)

	for i := len(sp.indexes) - 1; i >= 0; i-- {
		if ti, ok := sp.indexes[i].(*treeIndex); ok {
			e.scheduleGC(ti.retire(i == 0))
		}
	}
	sp.indexes = nil
	return nil
}

// State returns the recovery state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Generation returns the current snapshot generation.
func (e *Engine) Generation() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// SetMemory grows the arena quota. Shrinking at runtime is refused.
func (e *Engine) SetMemory(size int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if size < e.quota.Total() {
		return fmt.Errorf("cannot decrease memory size at runtime")
	}
	return e.quota.Set(size)
}

// SetMaxTupleSize adjusts the tuple size bound.
func (e *Engine) SetMaxTupleSize(size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxTupleSize = size
}

// SetSnapIORateLimit adjusts the snapshot write rate limit, in MiB/s.
func (e *Engine) SetSnapIORateLimit(mibPerSec float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapIORateLimit = mibPerSec * 1024 * 1024
}

// MemoryStat reports tuple and index memory in use.
func (e *Engine) MemoryStat() MemoryStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return MemoryStat{
		Data:  e.alloc.Used(),
		Index: e.indexSlabCache.Used(),
	}
}

// Stats reports engine statistics for metrics collection.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:           e.state,
		Generation:      e.generation,
		Tuples:          e.tupleCount,
		Spaces:          len(e.spaces),
		QuotaUsed:       e.quota.Used(),
		QuotaTotal:      e.quota.Total(),
		DelayedFrees:    e.alloc.DelayedCount(),
		GCQueueLen:      len(e.gcQueue),
		GCToFreeLen:     len(e.gcToFree),
		Checkpoints:     e.checkpointsDone,
		SnapshotRows:    e.snapshotRows,
		CheckpointBusy:  e.checkpoint != nil,
		ReservedExtents: e.extents.Reserved(),
	}
}

// Checkpoints lists the checkpoints recorded in the durable registry.
func (e *Engine) Checkpoints() ([]CheckpointInfo, error) {
	return e.registry.List()
}

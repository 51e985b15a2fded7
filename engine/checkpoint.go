package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"memstone/smalloc"
	"memstone/vclock"
	"memstone/xlog"
)

// checkpointEntry is one space's contribution to a checkpoint: a stable
// read view over its primary index.
type checkpointEntry struct {
	spaceID uint32
	groupID uint32
	it      SnapshotIterator
}

// checkpoint is one in-flight checkpoint. The writer goroutine owns it
// between WaitCheckpoint's start and join; the database owner before and
// after.
type checkpoint struct {
	entries   []checkpointEntry
	clock     *vclock.Clock
	dir       *xlog.Dir
	rateLimit float64
	logger    *slog.Logger

	// Reuse the existing snapshot file: only its mtime is refreshed.
	touch bool

	waiting bool
	done    chan error
	joined  chan struct{}
	cancel  context.CancelFunc

	rows  int64
	bytes int64
}

// BeginCheckpoint opens read views over every primary index, bumps the
// snapshot generation and switches the allocator to delayed free mode.
// From here until commit or abort, frees of older-generation tuples are
// withheld.
func (e *Engine) BeginCheckpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.checkpoint != nil {
		return ErrCheckpointInProgress
	}
	ckpt := &checkpoint{
		dir:       e.dir,
		rateLimit: e.snapIORateLimit,
		logger:    e.logger,
	}

	ids := make([]uint32, 0, len(e.spaces))
	for id := range e.spaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sp := e.spaces[id]
		if sp.def.Temporary {
			continue
		}
		pk := sp.PrimaryIndex()
		if pk == nil {
			continue
		}
		ckpt.entries = append(ckpt.entries, checkpointEntry{
			spaceID: sp.def.ID,
			groupID: sp.def.GroupID,
			it:      pk.CreateSnapshotIterator(),
		})
	}

	e.generation++
	e.alloc.SetFreeMode(smalloc.FreeDelayed)
	e.checkpoint = ckpt
	return nil
}

// WaitCheckpoint writes the snapshot for the target vclock on a dedicated
// goroutine and blocks until it finishes. When the directory already holds
// a snapshot with the same signature the checkpoint degrades to touch-only.
func (e *Engine) WaitCheckpoint(target *vclock.Clock) error {
	e.mu.Lock()
	ckpt := e.checkpoint
	if ckpt == nil {
		e.mu.Unlock()
		return ErrNoCheckpoint
	}
	if last, ok := e.dir.LastVClock(); ok && last.Equal(target) {
		ckpt.touch = true
	}
	ckpt.clock = target.Copy()

	ctx, cancel := context.WithCancel(context.Background())
	ckpt.cancel = cancel
	ckpt.done = make(chan error, 1)
	ckpt.joined = make(chan struct{})
	ckpt.waiting = true
	go func() {
		ckpt.done <- ckpt.run(ctx)
	}()
	e.mu.Unlock()

	err := <-ckpt.done
	cancel()
	close(ckpt.joined)

	e.mu.Lock()
	ckpt.waiting = false
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Snapshot write failed", "err", err)
	}
	return err
}

// run is the checkpoint writer. It never touches the indexes or the
// allocator: it only drains the read views handed over at begin, through
// its private file handle.
func (c *checkpoint) run(ctx context.Context) error {
	if c.touch {
		if err := c.dir.Touch(c.clock); err == nil {
			return nil
		}
		// Failed to touch the existing snapshot; write a new one.
		c.touch = false
	}

	w, err := c.dir.CreateWriter(c.clock, xlog.WriterOpts{RateLimit: c.rateLimit})
	if err != nil {
		return err
	}
	c.logger.Info("Saving snapshot", "signature", c.clock.Sum())

	var tm float64
	for _, entry := range c.entries {
		for data := entry.it.Next(); data != nil; data = entry.it.Next() {
			select {
			case <-ctx.Done():
				w.Discard()
				return ctx.Err()
			default:
			}
			if tm == 0 {
				tm = float64(time.Now().UnixNano()) / float64(time.Second)
			}
			row := &xlog.Row{
				Type:      xlog.TypeInsert,
				GroupID:   entry.groupID,
				LSN:       w.Rows() + 1,
				Timestamp: tm,
				SpaceID:   entry.spaceID,
				Tuple:     data,
			}
			if err := w.WriteRow(row); err != nil {
				w.Discard()
				return err
			}
			if w.Rows()%recoveryYieldInterval == 0 {
				c.logger.Info("Snapshot progress", "rows", w.Rows())
			}
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	c.rows = w.Rows()
	c.bytes = w.Bytes()
	c.logger.Info("Snapshot complete", "rows", c.rows, "bytes", c.bytes)
	return nil
}

// CommitCheckpoint finalizes the snapshot: the allocator leaves delayed
// mode (draining withheld frees), the in-progress file takes its final
// name, the checkpoint is registered, and deferred GC releases run.
func (e *Engine) CommitCheckpoint(target *vclock.Clock) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ckpt := e.checkpoint
	if ckpt == nil {
		return ErrNoCheckpoint
	}
	if ckpt.waiting {
		panic("commit_checkpoint before wait_checkpoint joined")
	}

	e.alloc.SetFreeMode(smalloc.FreeImmediate)

	if !ckpt.touch {
		if err := e.dir.Finalize(ckpt.clock.Sum()); err != nil {
			// The file is known to exist and the directory is
			// writable; losing the rename would lose a durable
			// snapshot.
			panic(fmt.Sprintf("failed to rename in-progress snapshot %d: %v",
				ckpt.clock.Sum(), err))
		}
	}

	if last, ok := e.dir.LastVClock(); !ok || !last.Equal(target) {
		e.dir.AddVClock(ckpt.clock)
	}
	if !e.registry.Has(ckpt.clock.Sum()) {
		if err := e.registry.Add(ckpt.clock, ckpt.rows, ckpt.bytes); err != nil {
			e.logger.Warn("Failed to record checkpoint in registry", "err", err)
		}
	}

	e.checkpointsDone++
	e.snapshotRows += ckpt.rows
	e.checkpointDelete(ckpt)
	e.checkpoint = nil

	e.gcAfterCheckpoint()
	return nil
}

// AbortCheckpoint abandons an in-flight checkpoint: the allocator leaves
// delayed mode and the in-progress file is unlinked best-effort.
func (e *Engine) AbortCheckpoint() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ckpt := e.checkpoint
	if ckpt == nil {
		return
	}
	if ckpt.waiting {
		// An abort can arrive while the writer is still running; wait
		// for it to join first.
		e.mu.Unlock()
		<-ckpt.joined
		e.mu.Lock()
	}

	e.alloc.SetFreeMode(smalloc.FreeImmediate)

	if ckpt.clock != nil {
		e.dir.RemoveInprogress(ckpt.clock.Sum())
	}
	e.checkpointDelete(ckpt)
	e.checkpoint = nil
}

// checkpointCancel is the shutdown path: cancel the writer if it is still
// running, join it, then release the read views.
func (e *Engine) checkpointCancel(ckpt *checkpoint) {
	if ckpt.waiting {
		ckpt.cancel()
		e.mu.Unlock()
		<-ckpt.joined
		e.mu.Lock()
	}
	e.alloc.SetFreeMode(smalloc.FreeImmediate)
	e.checkpointDelete(ckpt)
	e.checkpoint = nil
}

// checkpointDelete closes the read views, releasing their pins on index
// blocks.
func (e *Engine) checkpointDelete(ckpt *checkpoint) {
	for _, entry := range ckpt.entries {
		entry.it.Close()
	}
	ckpt.entries = nil
}

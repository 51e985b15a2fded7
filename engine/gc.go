package engine

import (
	"runtime"

	"memstone/smalloc"
)

// GCTask is a unit of background reclamation, typically a retired index.
// Run performs one step and reports completion; Free releases the task's
// remaining memory. While a checkpoint is in flight Free is deferred until
// the checkpoint commits, because the snapshot writer may still read
// through the memory being reclaimed.
type GCTask interface {
	Run() (done bool)
	Free()
}

// ScheduleGC queues a task and wakes the GC worker.
func (e *Engine) ScheduleGC(task GCTask) {
	e.mu.Lock()
	e.scheduleGC(task)
	e.mu.Unlock()
}

func (e *Engine) scheduleGC(task GCTask) {
	e.gcQueue = append(e.gcQueue, task)
	select {
	case e.gcWake <- struct{}{}:
	default:
	}
}

// runGCStepLocked performs one GC iteration. It returns true when there is
// nothing left to do.
func (e *Engine) runGCStepLocked() (stop bool) {
	if len(e.gcQueue) == 0 {
		return true
	}
	task := e.gcQueue[0]
	if task.Run() {
		e.gcQueue = e.gcQueue[1:]
		if e.checkpoint != nil {
			// The checkpoint thread may still read the memory this
			// task owns; postpone the release until commit.
			e.logger.Debug("GC task release deferred until checkpoint commit")
			e.gcToFree = append(e.gcToFree, task)
		} else {
			task.Free()
		}
	}
	return false
}

// gcWorker drains the task queue one step at a time, yielding between
// steps so it cannot starve the database owner.
func (e *Engine) gcWorker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		stop := e.runGCStepLocked()
		e.mu.Unlock()

		if stop {
			select {
			case <-e.closeCh:
				return
			case <-e.gcWake:
			}
			continue
		}

		select {
		case <-e.closeCh:
			return
		default:
		}
		runtime.Gosched()
	}
}

// gcAfterCheckpoint releases every task whose reclamation was withheld by
// the in-flight checkpoint.
func (e *Engine) gcAfterCheckpoint() {
	for _, task := range e.gcToFree {
		task.Free()
	}
	e.gcToFree = nil
}

// allocWithGC allocates tuple memory, feeding GC under pressure: one step
// per failed attempt, until GC reports it has nothing left.
func (e *Engine) allocWithGC(size int) ([]byte, error) {
	for {
		buf, err := e.alloc.Alloc(size)
		if err == nil {
			return buf, nil
		}
		if err != smalloc.ErrOutOfMemory {
			return nil, err
		}
		if e.runGCStepLocked() {
			return nil, smalloc.ErrOutOfMemory
		}
	}
}

// reserveExtentsWithGC reserves index extents, with the same GC pressure
// loop as tuple allocation.
func (e *Engine) reserveExtentsWithGC(n int) error {
	for {
		err := e.extents.Reserve(n)
		if err == nil {
			return nil
		}
		if e.runGCStepLocked() {
			return smalloc.ErrOutOfMemory
		}
	}
}

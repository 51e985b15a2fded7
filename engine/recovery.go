package engine

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"memstone/vclock"
	"memstone/xlog"
)

// Xstream receives snapshot rows during a replication initial join.
type Xstream interface {
	WriteRow(row *xlog.Row) error
}

var (
	bootstrapOnce  sync.Once
	bootstrapImage []byte
)

// bootstrapSnapshot returns the embedded bootstrap image: an empty,
// well-formed snapshot. Feeding it through the regular row applier keeps
// bootstrap and recovery on one code path.
func bootstrapSnapshot() []byte {
	bootstrapOnce.Do(func() {
		var buf bytes.Buffer
		w, err := xlog.NewMemWriter(&buf, xlog.FileMeta{
			InstanceUUID: uuid.Nil.String(),
			VClock:       map[uint32]int64{},
		})
		if err == nil {
			err = w.Close()
		}
		if err != nil {
			panic(fmt.Sprintf("failed to build bootstrap image: %v", err))
		}
		bootstrapImage = buf.Bytes()
	})
	return bootstrapImage
}

// Bootstrap initializes an empty data directory: the embedded bootstrap
// image replays through the snapshot row applier and the engine goes
// straight to OK.
func (e *Engine) Bootstrap() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInitialized {
		return fmt.Errorf("bootstrap from state %s: %w", e.state, ErrInvalidState)
	}
	e.state = StateOK

	e.logger.Info("Initializing an empty data directory")
	cursor, err := xlog.OpenMemCursor(bootstrapSnapshot(), "bootstrap")
	if err != nil {
		return err
	}
	for {
		row, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := e.recoverSnapshotRow(row); err != nil {
			return err
		}
	}
	return nil
}

// BeginInitialRecovery moves the engine into the fast recovery path: bulk
// snapshot read into the primary key only. Under force recovery all keys
// are enabled up front instead, so duplicates caused by corruption are
// detected and discarded while reading.
func (e *Engine) BeginInitialRecovery(clock *vclock.Clock) error {
	_ = clock // recovery target; the snapshot signature selects the file
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInitialized {
		return fmt.Errorf("begin initial recovery from state %s: %w", e.state, ErrInvalidState)
	}
	if e.forceRecovery {
		e.state = StateOK
		// Disaster recovery: all keys maintained from the first row, so
		// duplicate-key violations surface as drops during the read.
		for _, sp := range e.spaces {
			if sp.replace == ReplaceNone {
				sp.replace = ReplaceAll
			}
		}
	} else {
		e.state = StateInitialRecovery
	}
	return nil
}

// RecoverSnapshot replays the snapshot with the given vclock into the
// engine's spaces. A snapshot without its EOF marker is very likely
// corrupted and must not be trusted: fatal.
func (e *Engine) RecoverSnapshot(clock *vclock.Clock) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	signature := clock.Sum()
	filename := e.dir.FormatFilename(signature, false)
	e.logger.Info("Recovery start", "file", filename)

	cursor, err := e.dir.OpenCursor(signature)
	if err != nil {
		return err
	}
	defer cursor.Close()

	var rowCount uint64
	for {
		row, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := e.recoverSnapshotRow(row); err != nil {
			if !e.forceRecovery {
				return err
			}
			e.logger.Error("Can't apply row, skipping", "lsn", row.LSN, "err", err)
		}
		rowCount++
		if rowCount%recoveryYieldInterval == 0 {
			e.logger.Info("Rows processed", "rows", rowCount)
			runtime.Gosched()
		}
	}

	if !cursor.IsEOF() {
		panic(fmt.Sprintf("snapshot %q has no EOF marker", filename))
	}
	return nil
}

// recoverSnapshotRow validates and applies one snapshot row inside its own
// transaction.
func (e *Engine) recoverSnapshotRow(row *xlog.Row) error {
	if row.Type != xlog.TypeInsert {
		return fmt.Errorf("row type %d: %w", row.Type, ErrUnknownRequestType)
	}
	sp, ok := e.spaces[row.SpaceID]
	if !ok {
		return fmt.Errorf("space %d: %w", row.SpaceID, ErrNoSuchSpace)
	}
	// A snapshot of this engine must contain only this engine's spaces.
	if sp.def.EngineName != EngineName {
		return fmt.Errorf("space %d: %w", row.SpaceID, ErrCrossEngineTransaction)
	}

	txn := &Txn{engine: e}
	if err := sp.applyInitialJoinRow(txn, row.Tuple); err != nil {
		// The failed statement never made it into the transaction, so
		// the rollback only closes it.
		txn.rollbackLocked()
		return err
	}
	return txn.commitLocked()
}

// BeginFinalRecovery ends the fast path: primary keys finish building and
// the WAL replays into them alone. Under force recovery secondary keys are
// built immediately instead.
func (e *Engine) BeginFinalRecovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateOK {
		return nil
	}
	if e.state != StateInitialRecovery {
		return fmt.Errorf("begin final recovery from state %s: %w", e.state, ErrInvalidState)
	}

	e.endBuildPrimaryKeys()

	if !e.forceRecovery {
		e.state = StateFinalRecovery
		return nil
	}
	e.state = StateOK
	return e.buildSecondaryKeys()
}

// EndRecovery builds all remaining secondary keys in bulk and collects
// abandoned in-progress snapshot files.
func (e *Engine) EndRecovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateOK {
		if e.state != StateFinalRecovery {
			return fmt.Errorf("end recovery from state %s: %w", e.state, ErrInvalidState)
		}
		e.state = StateOK
		if err := e.buildSecondaryKeys(); err != nil {
			return err
		}
	}
	e.dir.CollectInprogress()
	return nil
}

func (e *Engine) endBuildPrimaryKeys() {
	for _, sp := range e.spaces {
		if sp.replace != ReplaceNone || sp.PrimaryIndex() == nil {
			continue
		}
		sp.PrimaryIndex().EndBuild()
		sp.replace = ReplacePrimary
	}
}

func (e *Engine) buildSecondaryKeys() error {
	for _, sp := range e.spaces {
		pk := sp.PrimaryIndex()
		if pk == nil || sp.replace == ReplaceAll {
			continue
		}
		if len(sp.indexes) > 1 && pk.Size() > 0 {
			e.logger.Info("Building secondary indexes", "space", sp.def.Name)
		}
		for _, idx := range sp.indexes[1:] {
			if err := idx.Build(pk); err != nil {
				return fmt.Errorf("space %q: build index %q: %w",
					sp.def.Name, idx.Def().Name, err)
			}
		}
		sp.replace = ReplaceAll
		if len(sp.indexes) > 1 && pk.Size() > 0 {
			e.logger.Info("Secondary indexes done", "space", sp.def.Name)
		}
	}
	return nil
}

// Join streams the rows of the checkpoint at clock to a replica. The read
// happens on its own goroutine so blocking I/O stays off the database
// owner.
func (e *Engine) Join(clock *vclock.Clock, stream Xstream) error {
	signature := clock.Sum()
	done := make(chan error, 1)

	go func() {
		cursor, err := e.dir.OpenCursor(signature)
		if err != nil {
			done <- err
			return
		}
		defer cursor.Close()

		for {
			row, err := cursor.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				done <- err
				return
			}
			if err := stream.WriteRow(row); err != nil {
				done <- err
				return
			}
		}
		if !cursor.IsEOF() {
			panic(fmt.Sprintf("snapshot %q has no EOF marker", cursor.Name()))
		}
		done <- nil
	}()

	return <-done
}

// Backup hands the snapshot filename for the given checkpoint to cb.
func (e *Engine) Backup(clock *vclock.Clock, cb func(path string) error) error {
	return cb(e.dir.FormatFilename(clock.Sum(), false))
}

// CollectGarbage removes snapshots older than the given vclock and prunes
// the checkpoint registry to match.
func (e *Engine) CollectGarbage(clock *vclock.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dir.CollectGarbage(clock.Sum())
	if err := e.registry.Prune(clock.Sum()); err != nil {
		e.logger.Warn("Failed to prune checkpoint registry", "err", err)
	}
}

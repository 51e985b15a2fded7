package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"memstone/vclock"
	"memstone/xlog"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.SnapDir == "" {
		opts.SnapDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	return e
}

// createTestSpace registers a space with a one-field unique primary key
// and, optionally, a secondary key on field 1.
func createTestSpace(t *testing.T, e *Engine, id uint32, secondary bool) *Space {
	t.Helper()
	defs := []*IndexDef{
		{ID: 0, Name: "primary", Type: IndexTree, Unique: true,
			Parts: []IndexPart{{FieldNo: 0}}},
	}
	if secondary {
		defs = append(defs, &IndexDef{ID: 1, Name: "value", Type: IndexTree, Unique: true,
			Parts: []IndexPart{{FieldNo: 1}}})
	}
	sp, err := e.CreateSpace(SpaceDef{ID: id, Name: "test"}, defs)
	if err != nil {
		t.Fatalf("CreateSpace failed: %v", err)
	}
	return sp
}

func tupleData(t *testing.T, values ...any) []byte {
	t.Helper()
	data, err := msgpack.Marshal(values)
	if err != nil {
		t.Fatalf("marshal tuple: %v", err)
	}
	return data
}

func keyData(t *testing.T, values ...any) []byte {
	return tupleData(t, values...)
}

func mustInsert(t *testing.T, e *Engine, sp *Space, values ...any) {
	t.Helper()
	txn := e.Begin()
	if _, err := sp.Insert(txn, tupleData(t, values...)); err != nil {
		t.Fatalf("insert %v failed: %v", values, err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func mustDelete(t *testing.T, e *Engine, sp *Space, key ...any) {
	t.Helper()
	txn := e.Begin()
	if _, err := sp.Delete(txn, keyData(t, key...)); err != nil {
		t.Fatalf("delete %v failed: %v", key, err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func clockAt(signature int64) *vclock.Clock {
	c := vclock.New()
	c.Follow(1, signature)
	return c
}

// runCheckpoint drives a full begin/wait/commit cycle.
func runCheckpoint(t *testing.T, e *Engine, signature int64) {
	t.Helper()
	target := clockAt(signature)
	if err := e.BeginCheckpoint(); err != nil {
		t.Fatalf("BeginCheckpoint failed: %v", err)
	}
	if err := e.WaitCheckpoint(target); err != nil {
		t.Fatalf("WaitCheckpoint failed: %v", err)
	}
	if err := e.CommitCheckpoint(target); err != nil {
		t.Fatalf("CommitCheckpoint failed: %v", err)
	}
}

// snapshotRows reads back the first key field of every row in a snapshot
// file, in file order.
func snapshotRows(t *testing.T, path string) []uint64 {
	t.Helper()
	cursor, err := xlog.OpenCursor(path)
	if err != nil {
		t.Fatalf("open snapshot %s: %v", path, err)
	}
	defer cursor.Close()

	var keys []uint64
	for {
		row, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("snapshot row: %v", err)
		}
		if row.Type != xlog.TypeInsert {
			t.Fatalf("unexpected row type %d", row.Type)
		}
		var fields []any
		if err := msgpack.Unmarshal(row.Tuple, &fields); err != nil {
			t.Fatalf("decode tuple: %v", err)
		}
		keys = append(keys, toUint64(t, fields[0]))
	}
	if !cursor.IsEOF() {
		t.Fatalf("snapshot %s has no EOF marker", path)
	}
	return keys
}

func toUint64(t *testing.T, v any) uint64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return uint64(n)
	case uint64:
		return n
	case int8:
		return uint64(n)
	case uint8:
		return uint64(n)
	case int16:
		return uint64(n)
	case uint16:
		return uint64(n)
	case int32:
		return uint64(n)
	case uint32:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		t.Fatalf("unexpected key type %T", v)
		return 0
	}
}

// spaceKeys lists the first key field of every tuple in primary key order.
func spaceKeys(t *testing.T, e *Engine, sp *Space) []uint64 {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()

	var keys []uint64
	sp.PrimaryIndex().Ascend(func(tp *Tuple) bool {
		var fields []any
		if err := msgpack.Unmarshal(tp.Data(), &fields); err != nil {
			t.Errorf("decode stored tuple: %v", err)
			return false
		}
		keys = append(keys, toUint64(t, fields[0]))
		return true
	})
	return keys
}

func equalKeys(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", msg)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

package engine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestNewTupleFieldMap(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()

	format := e.NewFormat(false)
	data := tupleData(t, uint64(7), "name", []byte{1, 2, 3})
	tp, err := e.NewTuple(format, data)
	if err != nil {
		t.Fatalf("NewTuple failed: %v", err)
	}
	defer func() {
		tp.Ref()
		e.mu.Lock()
		tp.Unref()
		e.mu.Unlock()
	}()

	if !bytes.Equal(tp.Data(), data) {
		t.Fatal("payload does not round-trip")
	}
	if tp.FieldCount() != 3 {
		t.Fatalf("field count %d, want 3", tp.FieldCount())
	}
	if tp.BSize() != len(data) {
		t.Fatalf("bsize %d, want %d", tp.BSize(), len(data))
	}
	if tp.Generation() != e.Generation() {
		t.Fatalf("generation stamp %d, engine at %d", tp.Generation(), e.Generation())
	}

	// Each field decodes on its own.
	field, err := tp.Field(1)
	if err != nil {
		t.Fatalf("Field(1): %v", err)
	}
	var name string
	if err := msgpack.Unmarshal(field, &name); err != nil {
		t.Fatalf("decode field 1: %v", err)
	}
	if name != "name" {
		t.Fatalf("field 1 = %q", name)
	}

	if _, err := tp.Field(3); !errors.Is(err, ErrNoSuchField) {
		t.Fatalf("expected ErrNoSuchField, got %v", err)
	}
}

func TestNewTupleRejectsNonArray(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()

	format := e.NewFormat(false)
	raw, err := msgpack.Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := e.NewTuple(format, raw); !errors.Is(err, ErrTupleFormat) {
		t.Fatalf("expected ErrTupleFormat, got %v", err)
	}
}

func TestNewTupleTooLarge(t *testing.T) {
	e := newTestEngine(t, Options{MaxTupleSize: 64})
	defer e.Shutdown()

	format := e.NewFormat(false)
	big := make([]byte, 128)
	if _, err := e.NewTuple(format, tupleData(t, big)); !errors.Is(err, ErrTupleTooLarge) {
		t.Fatalf("expected ErrTupleTooLarge, got %v", err)
	}
}

func TestFormatRefCounting(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()

	format := e.NewFormat(false)
	tp, err := e.NewTuple(format, tupleData(t, uint64(1)))
	if err != nil {
		t.Fatalf("NewTuple: %v", err)
	}
	if format.Refs() != 1 {
		t.Fatalf("format refs %d, want 1", format.Refs())
	}

	tp.Ref()
	e.mu.Lock()
	tp.Unref()
	e.mu.Unlock()
	if format.Refs() != 0 {
		t.Fatalf("format refs %d after drop, want 0", format.Refs())
	}
}

func TestChunkLifecycle(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()

	format := e.NewFormat(false)
	payload := []byte("auxiliary data")
	chunk, err := e.NewChunk(format, payload)
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	if !bytes.Equal(chunk, payload) {
		t.Fatal("chunk does not hold the payload")
	}

	used := e.MemoryStat().Data
	if used == 0 {
		t.Fatal("chunk memory is not accounted")
	}
	e.DropChunk(format, chunk)
	if got := e.MemoryStat().Data; got != 0 {
		t.Fatalf("chunk memory leaked: %d bytes", got)
	}
}

func TestRollbackRestoresPreStatementState(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sp := createTestSpace(t, e, 512, true)
	mustInsert(t, e, sp, uint64(1), uint64(100))

	// Rolled-back replace: the old tuple comes back in every index.
	txn := e.Begin()
	if _, err := sp.Replace(txn, tupleData(t, uint64(1), uint64(200))); err != nil {
		t.Fatalf("replace: %v", err)
	}
	txn.Rollback()

	tp, err := sp.Get(keyData(t, uint64(1)))
	if err != nil || tp == nil {
		t.Fatalf("tuple missing after rollback: %v", err)
	}
	var fields []any
	if err := msgpack.Unmarshal(tp.Data(), &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if toUint64(t, fields[1]) != 100 {
		t.Fatalf("rollback kept the new value: %v", fields)
	}
	if sp.Index(1).Size() != 1 {
		t.Fatalf("secondary index size %d after rollback, want 1", sp.Index(1).Size())
	}

	// Rolled-back delete: the tuple survives.
	txn = e.Begin()
	if _, err := sp.Delete(txn, keyData(t, uint64(1))); err != nil {
		t.Fatalf("delete: %v", err)
	}
	txn.Rollback()
	if sp.Len() != 1 {
		t.Fatalf("space len %d after delete rollback, want 1", sp.Len())
	}

	// Rolled-back insert: memory comes back.
	before := e.MemoryStat().Data
	txn = e.Begin()
	if _, err := sp.Insert(txn, tupleData(t, uint64(2), uint64(300))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	txn.Rollback()
	if sp.Len() != 1 {
		t.Fatalf("space len %d after insert rollback, want 1", sp.Len())
	}
	if got := e.MemoryStat().Data; got != before {
		t.Fatalf("insert rollback leaked %d bytes", got-before)
	}
}

func TestRollbackDuringSnapshotRecoveryPanics(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()
	// No bootstrap: spaces created in INITIALIZED state have unbuilt
	// keys, where rollback is disallowed.
	sp := createTestSpace(t, e, 512, false)

	txn := e.Begin()
	if _, err := sp.Insert(txn, tupleData(t, uint64(1), "a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("rollback with unbuilt keys must panic")
		}
	}()
	txn.Rollback()
}

func TestSetMemoryGrowOnly(t *testing.T) {
	e := newTestEngine(t, Options{ArenaMaxSize: 64 * 1024 * 1024})
	defer e.Shutdown()

	if err := e.SetMemory(32 * 1024 * 1024); err == nil {
		t.Fatal("shrinking the quota at runtime must fail")
	}
	if err := e.SetMemory(128 * 1024 * 1024); err != nil {
		t.Fatalf("growing the quota failed: %v", err)
	}
	if e.Stats().QuotaTotal != 128*1024*1024 {
		t.Fatalf("quota total %d", e.Stats().QuotaTotal)
	}
}

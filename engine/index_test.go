package engine

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"memstone/smalloc"
)

func baseIndexDef() *IndexDef {
	return &IndexDef{
		ID:     1,
		Name:   "secondary",
		Type:   IndexTree,
		Unique: true,
		Parts: []IndexPart{
			{FieldNo: 1, Collation: "unicode"},
			{FieldNo: 3, JSONPath: "$.name"},
		},
	}
}

func TestDefChangeRequiresRebuild(t *testing.T) {
	old := baseIndexDef()

	same := *old
	same.Parts = append([]IndexPart(nil), old.Parts...)
	if DefChangeRequiresRebuild(old, &same) {
		t.Fatal("identical definitions must not require a rebuild")
	}

	// Renames and uniqueness relaxation do not touch the key layout.
	renamed := same
	renamed.Name = "renamed"
	if DefChangeRequiresRebuild(old, &renamed) {
		t.Fatal("a rename must not require a rebuild")
	}
	relaxed := same
	relaxed.Unique = false
	if DefChangeRequiresRebuild(old, &relaxed) {
		t.Fatal("dropping uniqueness must not require a rebuild")
	}

	cases := []struct {
		name   string
		mutate func(*IndexDef)
	}{
		{"type change", func(d *IndexDef) { d.Type = IndexHash }},
		{"uniqueness added", func(d *IndexDef) { d.Unique = true }},
		{"func id change", func(d *IndexDef) { d.FuncID = 42 }},
		{"part count change", func(d *IndexDef) { d.Parts = d.Parts[:1] }},
		{"fieldno change", func(d *IndexDef) { d.Parts[0].FieldNo = 2 }},
		{"collation change", func(d *IndexDef) { d.Parts[0].Collation = "binary" }},
		{"json path change", func(d *IndexDef) { d.Parts[1].JSONPath = "$.title" }},
	}
	for _, tc := range cases {
		from := baseIndexDef()
		from.Unique = false // so "uniqueness added" is a real transition
		to := *from
		to.Parts = append([]IndexPart(nil), from.Parts...)
		tc.mutate(&to)
		if !DefChangeRequiresRebuild(from, &to) {
			t.Fatalf("%s must require a rebuild", tc.name)
		}
	}
}

func TestTreeIndexOrderedAcrossSplits(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sp := createTestSpace(t, e, 512, false)

	// Enough tuples to split extent blocks, inserted out of order.
	const n = 3 * extentSlots
	for i := n; i >= 1; i-- {
		mustInsert(t, e, sp, uint64(i), "v")
	}

	keys := spaceKeys(t, e, sp)
	if len(keys) != n {
		t.Fatalf("expected %d tuples, got %d", n, len(keys))
	}
	for i, k := range keys {
		if k != uint64(i+1) {
			t.Fatalf("keys out of order at %d: %d", i, k)
		}
	}

	// Point lookups across block boundaries.
	for _, probe := range []uint64{1, uint64(extentSlots), uint64(extentSlots + 1), n} {
		tp, err := sp.Get(keyData(t, probe))
		if err != nil {
			t.Fatalf("get %d: %v", probe, err)
		}
		if tp == nil {
			t.Fatalf("key %d not found", probe)
		}
	}
}

func TestTreeIndexDuplicateInsert(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sp := createTestSpace(t, e, 512, false)
	mustInsert(t, e, sp, uint64(1), "a")

	txn := e.Begin()
	if _, err := sp.Insert(txn, tupleData(t, uint64(1), "dup")); err == nil {
		t.Fatal("duplicate insert must fail")
	}
	txn.Rollback()

	// Replace displaces instead.
	txn = e.Begin()
	if _, err := sp.Replace(txn, tupleData(t, uint64(1), "b")); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sp.Len() != 1 {
		t.Fatalf("expected 1 tuple after replace, got %d", sp.Len())
	}
}

// A read view must keep yielding the captured contents while the index is
// mutated underneath it.
func TestSnapshotIteratorStableUnderMutation(t *testing.T) {
	e := newTestEngine(t, Options{})
	defer e.Shutdown()
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sp := createTestSpace(t, e, 512, false)
	for i := 1; i <= 10; i++ {
		mustInsert(t, e, sp, uint64(i), "v")
	}

	e.mu.Lock()
	it := sp.PrimaryIndex().CreateSnapshotIterator()
	// Match the checkpoint invariants: a live read view implies a fresh
	// generation and delayed frees.
	e.generation++
	e.alloc.SetFreeMode(smalloc.FreeDelayed)
	e.mu.Unlock()

	// Mutate heavily: delete everything, insert a new range.
	for i := 1; i <= 10; i++ {
		mustDelete(t, e, sp, uint64(i))
	}
	for i := 100; i < 110; i++ {
		mustInsert(t, e, sp, uint64(i), "w")
	}

	var seen []uint64
	for data := it.Next(); data != nil; data = it.Next() {
		var fields []any
		if err := msgpack.Unmarshal(data, &fields); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seen = append(seen, toUint64(t, fields[0]))
	}

	e.mu.Lock()
	it.Close()
	e.alloc.SetFreeMode(smalloc.FreeImmediate)
	e.mu.Unlock()

	want := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if !equalKeys(seen, want) {
		t.Fatalf("read view yielded %v, want %v", seen, want)
	}
}

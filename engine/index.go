package engine

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// IndexType enumerates index structures. Only tree indexes are built here;
// the type still participates in the rebuild decision.
type IndexType int

const (
	IndexTree IndexType = iota
	IndexHash
	IndexRTree
	IndexBitset
)

// IndexPart is one component of an index key.
type IndexPart struct {
	FieldNo   uint32 // zero-based field number in the tuple
	Collation string
	JSONPath  string
}

// IndexDef defines an index on a space.
type IndexDef struct {
	ID      uint32
	SpaceID uint32
	Name    string
	Type    IndexType
	Unique  bool
	FuncID  uint32
	Parts   []IndexPart
}

// Index is the per-space index contract the engine consumes. Index 0 of a
// space is the primary.
type Index interface {
	Def() *IndexDef
	Size() int

	// Build bulk-loads the index from the primary key.
	Build(pk Index) error
	// EndBuild finishes a bulk build started during recovery.
	EndBuild()

	// Replace removes old and inserts new, returning any displaced
	// tuple. Either tuple may be nil. The caller reserves extents
	// beforehand; with the reservation in place a replace cannot fail
	// for memory.
	Replace(old, new *Tuple, policy DupPolicy) (*Tuple, error)

	// Get returns the tuple with the given key, or nil.
	Get(key []any) (*Tuple, error)

	// Ascend walks tuples in key order until fn returns false.
	Ascend(fn func(*Tuple) bool)

	// CreateSnapshotIterator opens a read view over the current
	// contents. The iterator is safe to drain from another thread as
	// long as the allocator stays in delayed free mode.
	CreateSnapshotIterator() SnapshotIterator
}

// SnapshotIterator is a stable cursor over an index, for the checkpoint
// writer. Next returns nil at the end. Close must run on the database
// owner, like every other mutation.
type SnapshotIterator interface {
	Next() []byte
	Close()
}

// DefChangeRequiresRebuild reports whether replacing an index definition
// forces a rebuild: the type changed, uniqueness was added, the backing
// function changed, or the key parts differ.
func DefChangeRequiresRebuild(old, new *IndexDef) bool {
	if old.Type != new.Type {
		return true
	}
	if !old.Unique && new.Unique {
		return true
	}
	if old.FuncID != new.FuncID {
		return true
	}
	if len(old.Parts) != len(new.Parts) {
		return true
	}
	for i := range new.Parts {
		if old.Parts[i].FieldNo != new.Parts[i].FieldNo {
			return true
		}
		if old.Parts[i].Collation != new.Parts[i].Collation {
			return true
		}
		if old.Parts[i].JSONPath != new.Parts[i].JSONPath {
			return true
		}
	}
	return false
}

// extractKey decodes the indexed fields of a tuple.
func extractKey(def *IndexDef, t *Tuple) ([]any, error) {
	key := make([]any, len(def.Parts))
	for i, part := range def.Parts {
		field, err := t.Field(int(part.FieldNo))
		if err != nil {
			return nil, err
		}
		var v any
		if err := msgpack.Unmarshal(field, &v); err != nil {
			return nil, fmt.Errorf("decode indexed field %d: %w", part.FieldNo, err)
		}
		key[i] = v
	}
	return key, nil
}

// DecodeKey parses a msgpack array of key values, as passed to lookups.
func DecodeKey(data []byte) ([]any, error) {
	var vals []any
	if err := msgpack.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return vals, nil
}

// compareKeys orders two decoded keys part by part. A shorter key that is
// a prefix of the longer one compares equal on the shared parts.
func compareKeys(a, b []any) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareScalar(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// compareScalar orders two decoded msgpack scalars. Numbers compare
// numerically across int/uint/float encodings; otherwise values are
// ordered by type rank, then value.
func compareScalar(a, b any) int {
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}

	ar, br := typeRank(a), typeRank(b)
	if ar != br {
		if ar < br {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case string:
		return bytes.Compare([]byte(av), []byte(b.(string)))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case nil:
		return 0
	}
	// Same rank, unordered representation: fall back to the encoded form.
	ab, _ := msgpack.Marshal(a)
	bb, _ := msgpack.Marshal(b)
	return bytes.Compare(ab, bb)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	case []byte:
		return 4
	default:
		return 5
	}
}

package engine

import (
	"fmt"
)

// SpaceDef describes a space.
type SpaceDef struct {
	ID         uint32
	GroupID    uint32
	Name       string
	Temporary  bool
	EngineName string
}

// Space is a named tuple collection with zero or more indexes; index 0 is
// the primary. The replace mode tracks how far recovery has built the
// space's indexes.
type Space struct {
	def     SpaceDef
	engine  *Engine
	format  *Format
	indexes []Index
	replace ReplaceMode
	bsize   int64
}

// Def returns the space definition.
func (s *Space) Def() SpaceDef { return s.def }

// Format returns the space's tuple format.
func (s *Space) Format() *Format { return s.format }

// BSize returns the total payload bytes of the space's tuples.
func (s *Space) BSize() int64 {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.bsize
}

// ReplaceMode returns the current replace behavior.
func (s *Space) ReplaceMode() ReplaceMode {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.replace
}

// PrimaryIndex returns index 0, or nil.
func (s *Space) PrimaryIndex() Index {
	if len(s.indexes) == 0 {
		return nil
	}
	return s.indexes[0]
}

// Index returns the index with the given id, or nil.
func (s *Space) Index(id uint32) Index {
	for _, idx := range s.indexes {
		if idx.Def().ID == id {
			return idx
		}
	}
	return nil
}

// Len returns the number of tuples, via the primary index.
func (s *Space) Len() int {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	pk := s.PrimaryIndex()
	if pk == nil {
		return 0
	}
	return pk.Size()
}

// Get returns the tuple matching the msgpack-encoded key, or nil.
func (s *Space) Get(keyData []byte) (*Tuple, error) {
	key, err := DecodeKey(keyData)
	if err != nil {
		return nil, err
	}
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	pk := s.PrimaryIndex()
	if pk == nil {
		return nil, nil
	}
	return pk.Get(key)
}

// Insert adds a tuple built from data; a duplicate primary key fails.
func (s *Space) Insert(txn *Txn, data []byte) (*Tuple, error) {
	return s.execute(txn, data, DupInsert)
}

// Replace adds a tuple built from data, displacing any tuple with the same
// primary key.
func (s *Space) Replace(txn *Txn, data []byte) (*Tuple, error) {
	return s.execute(txn, data, DupReplaceOrInsert)
}

func (s *Space) execute(txn *Txn, data []byte, policy DupPolicy) (*Tuple, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.executeLocked(txn, data, policy)
}

func (s *Space) executeLocked(txn *Txn, data []byte, policy DupPolicy) (*Tuple, error) {
	if txn.finished {
		return nil, ErrTxnFinished
	}
	t, err := s.engine.newTuple(s.format, data)
	if err != nil {
		return nil, err
	}
	t.Ref()
	displaced, err := s.doReplace(nil, t, policy)
	if err != nil {
		t.Unref()
		return nil, err
	}
	s.accountReplace(displaced, t)
	txn.stmts = append(txn.stmts, &Stmt{space: s, old: displaced, new: t})
	return t, nil
}

// Delete removes the tuple matching the msgpack-encoded primary key.
// Deleting a missing key is a no-op.
func (s *Space) Delete(txn *Txn, keyData []byte) (*Tuple, error) {
	key, err := DecodeKey(keyData)
	if err != nil {
		return nil, err
	}
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()

	if txn.finished {
		return nil, ErrTxnFinished
	}
	pk := s.PrimaryIndex()
	if pk == nil {
		return nil, nil
	}
	old, err := pk.Get(key)
	if err != nil || old == nil {
		return nil, err
	}
	if _, err := s.doReplace(old, nil, DupInsert); err != nil {
		return nil, err
	}
	s.accountReplace(old, nil)
	txn.stmts = append(txn.stmts, &Stmt{space: s, old: old, new: nil})
	return old, nil
}

// doReplace applies (old, new) to the indexes selected by the replace
// mode, reserving worst-case extent demand first so that the mutation
// cannot fail midway.
func (s *Space) doReplace(old, new *Tuple, policy DupPolicy) (*Tuple, error) {
	count := s.affectedIndexCount()
	if count == 0 {
		return nil, fmt.Errorf("space %q has no indexes", s.def.Name)
	}
	if err := s.engine.reserveExtentsWithGC(count * reserveExtentsBeforeReplace); err != nil {
		return nil, err
	}

	displaced, err := s.indexes[0].Replace(old, new, policy)
	if err != nil {
		return nil, err
	}

	// What the primary key gave up is what the secondaries must give up:
	// the displaced tuple on an insert, the explicit old one on a delete.
	victim := displaced
	if victim == nil {
		victim = old
	}

	for i := 1; i < count; i++ {
		if _, err := s.indexes[i].Replace(victim, new, DupInsert); err != nil {
			// Revert the indexes already touched, in reverse order.
			for j := i - 1; j >= 0; j-- {
				if _, rerr := s.indexes[j].Replace(new, victim, DupReplaceOrInsert); rerr != nil {
					panic(fmt.Sprintf("failed to revert index %q after replace error: %v",
						s.indexes[j].Def().Name, rerr))
				}
			}
			return nil, err
		}
	}
	return displaced, nil
}

// affectedIndexCount maps the replace mode to the number of maintained
// indexes.
func (s *Space) affectedIndexCount() int {
	switch s.replace {
	case ReplaceAll:
		return len(s.indexes)
	case ReplacePrimary, ReplaceNone:
		return 1
	}
	return 1
}

// accountReplace updates the space's byte accounting. References are not
// touched here: the displaced tuple keeps its reference until the
// transaction commits, so a rollback can put it back.
func (s *Space) accountReplace(old, new *Tuple) {
	if old != nil {
		s.bsize -= int64(old.BSize())
	}
	if new != nil {
		s.bsize += int64(new.BSize())
	}
}

// applyInitialJoinRow applies one snapshot row to the space inside txn.
// Called with the engine lock held, from recovery and bootstrap.
func (s *Space) applyInitialJoinRow(txn *Txn, data []byte) error {
	_, err := s.executeLocked(txn, data, DupInsert)
	return err
}

// DropIndex retires an index, scheduling its memory for cooperative
// reclamation. The primary index can only be dropped with the space.
func (s *Space) DropIndex(id uint32) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()

	if id == 0 {
		return fmt.Errorf("space %q: cannot drop the primary index", s.def.Name)
	}
	for i, idx := range s.indexes {
		if idx.Def().ID != id {
			continue
		}
		ti, ok := idx.(*treeIndex)
		if !ok {
			return fmt.Errorf("space %q: unsupported index implementation", s.def.Name)
		}
		s.indexes = append(s.indexes[:i], s.indexes[i+1:]...)
		s.engine.scheduleGC(ti.retire(false))
		return nil
	}
	return fmt.Errorf("space %q has no index %d", s.def.Name, id)
}

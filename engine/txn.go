package engine

import (
	"fmt"
)

// Stmt is one statement's (old, new) tuple pair within a space.
type Stmt struct {
	space *Space
	old   *Tuple
	new   *Tuple
}

// Txn collects statements so they can be committed or rolled back as a
// unit. The engine disallows yielding inside a transaction: every
// statement runs to completion on the database owner.
type Txn struct {
	engine   *Engine
	stmts    []*Stmt
	finished bool
}

// Begin opens a transaction.
func (e *Engine) Begin() *Txn {
	return &Txn{engine: e}
}

// Commit finalizes the transaction: references held for displaced tuples
// are released, which may free their memory subject to the delayed-free
// discipline.
func (txn *Txn) Commit() error {
	txn.engine.mu.Lock()
	defer txn.engine.mu.Unlock()
	return txn.commitLocked()
}

func (txn *Txn) commitLocked() error {
	if txn.finished {
		return ErrTxnFinished
	}
	txn.finished = true
	for _, stmt := range txn.stmts {
		if stmt.old != nil {
			stmt.old.Unref()
		}
	}
	txn.stmts = nil
	return nil
}

// Rollback undoes every statement in reverse order.
func (txn *Txn) Rollback() {
	txn.engine.mu.Lock()
	defer txn.engine.mu.Unlock()
	txn.rollbackLocked()
}

func (txn *Txn) rollbackLocked() {
	if txn.finished {
		return
	}
	txn.finished = true
	for i := len(txn.stmts) - 1; i >= 0; i-- {
		txn.engine.rollbackStatement(txn.stmts[i])
	}
	txn.stmts = nil
}

// RollbackStatement reverts a single statement. Exposed for the
// transaction manager; Rollback uses it internally.
func (e *Engine) RollbackStatement(stmt *Stmt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollbackStatement(stmt)
}

// rollbackStatement puts old back in place of new in every index the
// statement touched. A failure here means the pre-statement state cannot
// be restored, which breaks committed data: fatal.
func (e *Engine) rollbackStatement(stmt *Stmt) {
	if stmt.old == nil && stmt.new == nil {
		return
	}
	space := stmt.space

	var indexCount int
	switch space.replace {
	case ReplaceAll:
		indexCount = len(space.indexes)
	case ReplacePrimary:
		indexCount = 1
	default:
		panic("transaction rolled back during snapshot recovery")
	}

	for i := indexCount - 1; i >= 0; i-- {
		if _, err := space.indexes[i].Replace(stmt.new, stmt.old, DupReplaceOrInsert); err != nil {
			panic(fmt.Sprintf("failed to rollback change in index %q: %v",
				space.indexes[i].Def().Name, err))
		}
	}

	space.accountReplace(stmt.new, stmt.old)
	// The displaced tuple kept its reference while the statement was
	// pending; it now stands for index ownership again. The new tuple
	// gives its reference up.
	if stmt.new != nil {
		stmt.new.Unref()
	}
}

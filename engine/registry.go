package engine

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"memstone/vclock"
)

var ckptKeyPrefix = []byte("!ckpt!")

// checkpointRegistry is the durable record of completed checkpoints,
// stored in a LevelDB database beside the snapshot files. The outer
// garbage collector reads it to learn which checkpoints exist; commit
// appends, collect_garbage prunes.
type checkpointRegistry struct {
	db *leveldb.DB
}

func openCheckpointRegistry(path string) (*checkpointRegistry, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint registry: %w", err)
	}
	return &checkpointRegistry{db: db}, nil
}

func ckptKey(signature int64) []byte {
	k := make([]byte, len(ckptKeyPrefix)+8)
	copy(k, ckptKeyPrefix)
	binary.BigEndian.PutUint64(k[len(ckptKeyPrefix):], uint64(signature))
	return k
}

// Add records a checkpoint. Idempotent for a given signature.
func (r *checkpointRegistry) Add(clock *vclock.Clock, rows, bytes int64) error {
	info := CheckpointInfo{
		Signature: clock.Sum(),
		VClock:    clock.Components(),
		Rows:      rows,
		Bytes:     bytes,
		CreatedAt: time.Now().Unix(),
	}
	value, err := msgpack.Marshal(&info)
	if err != nil {
		return err
	}
	return r.db.Put(ckptKey(info.Signature), value, &opt.WriteOptions{Sync: true})
}

// Has reports whether a checkpoint with the signature is recorded.
func (r *checkpointRegistry) Has(signature int64) bool {
	ok, err := r.db.Has(ckptKey(signature), nil)
	return err == nil && ok
}

// List returns the recorded checkpoints in signature order.
func (r *checkpointRegistry) List() ([]CheckpointInfo, error) {
	var out []CheckpointInfo
	iter := r.db.NewIterator(util.BytesPrefix(ckptKeyPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var info CheckpointInfo
		if err := msgpack.Unmarshal(iter.Value(), &info); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, iter.Error()
}

// Prune drops every record older than the signature.
func (r *checkpointRegistry) Prune(beforeSignature int64) error {
	batch := new(leveldb.Batch)
	iter := r.db.NewIterator(util.BytesPrefix(ckptKeyPrefix), nil)
	for iter.Next() {
		sig := int64(binary.BigEndian.Uint64(iter.Key()[len(ckptKeyPrefix):]))
		if sig < beforeSignature {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return r.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (r *checkpointRegistry) Close() error {
	return r.db.Close()
}

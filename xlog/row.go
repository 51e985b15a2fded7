// Package xlog implements the snapshot file format: framed msgpack rows
// between a metadata header and an explicit EOF marker, plus the snapshot
// directory bookkeeping (filenames, in-progress files, checkpoint set).
package xlog

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// Row header and body keys, in the wire encoding.
const (
	keyRequestType = 0x00
	keySync        = 0x01
	keyReplicaID   = 0x02
	keyLSN         = 0x03
	keyTimestamp   = 0x04
	keyGroupID     = 0x07
	keySpaceID     = 0x10
	keyTuple       = 0x21
)

// TypeInsert is the only row type a snapshot may carry.
const TypeInsert = 2

const (
	// rowHeaderSize is the frame header: length(4) + checksum(4).
	rowHeaderSize = 8

	// maxRowSize bounds a single frame; larger lengths mean corruption.
	maxRowSize = 32 * 1024 * 1024
)

var (
	ErrChecksum    = errors.New("xlog: row checksum mismatch")
	ErrCorrupt     = errors.New("xlog: corrupt frame")
	ErrNoEOFMarker = errors.New("xlog: missing EOF marker")
)

// crcTable uses the Castagnoli polynomial (CRC32C), which is typically
// hardware-accelerated.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Row is one snapshot row: an INSERT of a raw tuple into a space.
type Row struct {
	Type      uint32
	ReplicaID uint32
	GroupID   uint32
	LSN       int64
	Timestamp float64
	Sync      uint64

	// Body: the two-element map {space id, raw tuple}.
	SpaceID uint32
	Tuple   []byte
}

// Encode serializes the row payload: a header map followed by the body map.
func (r *Row) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	headerLen := 5
	if r.GroupID != 0 {
		headerLen++
	}
	if err := enc.EncodeMapLen(headerLen); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, keyRequestType, uint64(r.Type)); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, keySync, r.Sync); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, keyReplicaID, uint64(r.ReplicaID)); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, keyLSN, uint64(r.LSN)); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(keyTimestamp); err != nil {
		return nil, err
	}
	if err := enc.EncodeFloat64(r.Timestamp); err != nil {
		return nil, err
	}
	if r.GroupID != 0 {
		if err := encodeUintPair(enc, keyGroupID, uint64(r.GroupID)); err != nil {
			return nil, err
		}
	}

	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, keySpaceID, uint64(r.SpaceID)); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(keyTuple); err != nil {
		return nil, err
	}
	if err := enc.Encode(msgpack.RawMessage(r.Tuple)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeUintPair(enc *msgpack.Encoder, key uint64, value uint64) error {
	if err := enc.EncodeUint(key); err != nil {
		return err
	}
	return enc.EncodeUint(value)
}

// DecodeRow parses a row payload produced by Encode.
func DecodeRow(payload []byte) (*Row, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	row := &Row{}

	headerLen, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("xlog: row header: %w", err)
	}
	for i := 0; i < headerLen; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return nil, fmt.Errorf("xlog: row header key: %w", err)
		}
		switch key {
		case keyRequestType:
			v, err := dec.DecodeUint64()
			if err != nil {
				return nil, err
			}
			row.Type = uint32(v)
		case keySync:
			if row.Sync, err = dec.DecodeUint64(); err != nil {
				return nil, err
			}
		case keyReplicaID:
			v, err := dec.DecodeUint64()
			if err != nil {
				return nil, err
			}
			row.ReplicaID = uint32(v)
		case keyLSN:
			if row.LSN, err = dec.DecodeInt64(); err != nil {
				return nil, err
			}
		case keyTimestamp:
			if row.Timestamp, err = dec.DecodeFloat64(); err != nil {
				return nil, err
			}
		case keyGroupID:
			v, err := dec.DecodeUint64()
			if err != nil {
				return nil, err
			}
			row.GroupID = uint32(v)
		default:
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}

	bodyLen, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("xlog: row body: %w", err)
	}
	for i := 0; i < bodyLen; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return nil, fmt.Errorf("xlog: row body key: %w", err)
		}
		switch key {
		case keySpaceID:
			v, err := dec.DecodeUint64()
			if err != nil {
				return nil, err
			}
			row.SpaceID = uint32(v)
		case keyTuple:
			var raw msgpack.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, err
			}
			row.Tuple = raw
		default:
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return row, nil
}

package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"memstone/smalloc"
)

// Format describes a family of tuples. Temporary formats belong to spaces
// whose contents never reach a snapshot, so their tuples are always freed
// immediately.
type Format struct {
	id        uint32
	engine    *Engine
	Temporary bool
	refs      int64
}

// ID returns the format identifier.
func (f *Format) ID() uint32 { return f.id }

// Refs returns the number of tuples currently using the format.
func (f *Format) Refs() int64 { return f.refs }

// Tuple is a variably-sized record. The header lives in the struct; the
// allocation holds a reserved header region, the field map (one 32-bit
// offset per top-level field) and the raw msgpack payload.
//
// Tuples are shared by the indexes of one space through the reference
// count. The generation stamp equals the engine's snapshot generation at
// allocation time and drives the delayed-free decision on drop.
type Tuple struct {
	version uint32
	refs    int32
	format  *Format
	dataOff uint32
	buf     []byte
}

// Data returns the raw msgpack payload.
func (t *Tuple) Data() []byte { return t.buf[t.dataOff:] }

// BSize returns the payload size in bytes.
func (t *Tuple) BSize() int { return len(t.buf) - int(t.dataOff) }

// Generation returns the snapshot generation stamped at allocation.
func (t *Tuple) Generation() uint32 { return t.version }

// Format returns the tuple's format.
func (t *Tuple) Format() *Format { return t.format }

// FieldCount returns the number of top-level fields.
func (t *Tuple) FieldCount() int {
	return (int(t.dataOff) - tupleHeaderSize) / 4
}

// Field returns the raw msgpack encoding of field i.
func (t *Tuple) Field(i int) ([]byte, error) {
	n := t.FieldCount()
	if i < 0 || i >= n {
		return nil, ErrNoSuchField
	}
	data := t.Data()
	start := t.fieldOffset(i)
	end := uint32(len(data))
	if i+1 < n {
		end = t.fieldOffset(i + 1)
	}
	if start > end || end > uint32(len(data)) {
		return nil, fmt.Errorf("tuple field map is inconsistent: %w", ErrTupleFormat)
	}
	return data[start:end], nil
}

func (t *Tuple) fieldOffset(i int) uint32 {
	return binary.LittleEndian.Uint32(t.buf[tupleHeaderSize+4*i:])
}

// Ref takes a reference.
func (t *Tuple) Ref() {
	t.refs++
}

// Unref drops a reference; the last reference releases the tuple through
// the factory.
func (t *Tuple) Unref() {
	if t.refs <= 0 {
		panic("tuple reference count underflow")
	}
	t.refs--
	if t.refs == 0 {
		t.format.engine.dropTuple(t)
	}
}

// Refs returns the current reference count.
func (t *Tuple) Refs() int32 { return t.refs }

// NewFormat registers a tuple format.
func (e *Engine) NewFormat(temporary bool) *Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := &Format{id: e.nextFormatID, engine: e, Temporary: temporary}
	e.nextFormatID++
	e.formats[f.id] = f
	return f
}

// NewTuple builds a tuple from a raw msgpack array: it decodes the field
// map, stamps the current snapshot generation and allocates through the
// small allocator, running garbage collection steps under memory pressure.
func (e *Engine) NewTuple(format *Format, data []byte) (*Tuple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newTuple(format, data)
}

func (e *Engine) newTuple(format *Format, data []byte) (*Tuple, error) {
	offsets, err := tupleFieldOffsets(data)
	if err != nil {
		return nil, err
	}

	fieldMapSize := 4 * len(offsets)
	dataOff := tupleHeaderSize + fieldMapSize
	total := dataOff + len(data)
	if total > e.maxTupleSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTupleTooLarge, total)
	}

	buf, err := e.allocWithGC(total)
	if err != nil {
		return nil, err
	}
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(buf[tupleHeaderSize+4*i:], off)
	}
	copy(buf[dataOff:], data)

	t := &Tuple{
		version: e.generation,
		format:  format,
		dataOff: uint32(dataOff),
		buf:     buf,
	}
	format.refs++
	e.tupleCount++
	return t, nil
}

// dropTuple releases a tuple with a zero reference count. A tuple whose
// generation predates the current one may still be visible to an in-flight
// snapshot, so in delayed mode its memory goes onto the delayed queue.
func (e *Engine) dropTuple(t *Tuple) {
	if t.refs != 0 {
		panic("dropping a referenced tuple")
	}
	t.format.refs--
	e.tupleCount--

	if e.alloc.Mode() != smalloc.FreeDelayed ||
		t.version == e.generation ||
		t.format.Temporary {
		e.alloc.FreeNow(t.buf)
		t.buf = nil
	} else {
		// The payload stays readable by the snapshot until the delayed
		// queue drains.
		e.alloc.Free(t.buf)
	}
}

// NewChunk allocates an auxiliary block tied to tuple memory. Unlike
// tuples, chunks are always freed immediately.
func (e *Engine) NewChunk(format *Format, data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	chunk, err := e.allocWithGC(len(data))
	if err != nil {
		return nil, err
	}
	copy(chunk, data)
	return chunk, nil
}

// DropChunk releases a chunk returned by NewChunk.
func (e *Engine) DropChunk(format *Format, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alloc.FreeNow(chunk)
}

// tupleFieldOffsets validates that data is a msgpack array and returns the
// byte offset of each top-level field relative to the payload start.
func tupleFieldOffsets(data []byte) ([]uint32, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 0 {
		return nil, ErrTupleFormat
	}

	offsets := make([]uint32, n)
	pos := uint32(arrayHeaderSize(n))
	for i := 0; i < n; i++ {
		var raw msgpack.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("tuple field %d: %w", i, ErrTupleFormat)
		}
		offsets[i] = pos
		pos += uint32(len(raw))
	}
	if pos != uint32(len(data)) {
		return nil, fmt.Errorf("trailing bytes after tuple payload: %w", ErrTupleFormat)
	}
	return offsets, nil
}

// arrayHeaderSize returns the msgpack array header length for n elements.
func arrayHeaderSize(n int) int {
	switch {
	case n < 16:
		return 1
	case n < 1<<16:
		return 3
	default:
		return 5
	}
}

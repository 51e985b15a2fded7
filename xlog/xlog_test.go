package xlog

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"memstone/vclock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMeta() FileMeta {
	return FileMeta{
		InstanceUUID: uuid.New().String(),
		VClock:       map[uint32]int64{1: 7},
	}
}

func mustTuple(t *testing.T, values ...any) []byte {
	t.Helper()
	data, err := msgpack.Marshal(values)
	if err != nil {
		t.Fatalf("marshal tuple: %v", err)
	}
	return data
}

func TestRowRoundTrip(t *testing.T) {
	in := &Row{
		Type:      TypeInsert,
		GroupID:   3,
		LSN:       42,
		Timestamp: 1234.5,
		SpaceID:   512,
		Tuple:     mustTuple(t, uint64(1), "hello"),
	}
	payload, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeRow(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.LSN != in.LSN || out.SpaceID != in.SpaceID ||
		out.GroupID != in.GroupID || out.Timestamp != in.Timestamp {
		t.Fatalf("header mismatch: %+v vs %+v", out, in)
	}
	if !bytes.Equal(out.Tuple, in.Tuple) {
		t.Fatalf("tuple bytes mismatch")
	}
}

func TestWriterCursorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.snap")
	meta := testMeta()

	w, err := Create(path, meta, WriterOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 10; i++ {
		row := &Row{
			Type:    TypeInsert,
			LSN:     int64(i),
			SpaceID: 100,
			Tuple:   mustTuple(t, uint64(i)),
		}
		if err := w.WriteRow(row); err != nil {
			t.Fatalf("write row %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err := OpenCursor(path)
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}
	defer c.Close()

	if c.Meta.InstanceUUID != meta.InstanceUUID {
		t.Fatalf("meta uuid mismatch: %s vs %s", c.Meta.InstanceUUID, meta.InstanceUUID)
	}
	if c.Meta.VClock[1] != 7 {
		t.Fatalf("meta vclock mismatch: %v", c.Meta.VClock)
	}

	var lsns []int64
	for {
		row, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		lsns = append(lsns, row.LSN)
	}
	if !c.IsEOF() {
		t.Fatal("cursor did not reach the EOF marker")
	}
	if len(lsns) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(lsns))
	}
	for i, lsn := range lsns {
		if lsn != int64(i+1) {
			t.Fatalf("LSNs not dense ascending: %v", lsns)
		}
	}
}

func TestCursorMissingEOFMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.snap")

	w, err := Create(path, testMeta(), WriterOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.WriteRow(&Row{Type: TypeInsert, LSN: 1, SpaceID: 1, Tuple: mustTuple(t, 1)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Discard leaves the file without the EOF marker.
	w.Discard()

	c, err := OpenCursor(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	for {
		if _, err := c.Next(); err != nil {
			break
		}
	}
	if c.IsEOF() {
		t.Fatal("truncated file must not report a clean EOF")
	}
}

func TestCursorDetectsCorruptRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.snap")

	w, err := Create(path, testMeta(), WriterOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.WriteRow(&Row{Type: TypeInsert, LSN: 1, SpaceID: 1, Tuple: mustTuple(t, 1)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Flip a payload byte past the header and the frame header.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	headerEnd := len(magic) + 1
	metaLen := binary.BigEndian.Uint32(data[headerEnd:])
	rowStart := headerEnd + 4 + int(metaLen)
	data[rowStart+rowHeaderSize] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write back: %v", err)
	}

	c, err := OpenCursor(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	_, err = c.Next()
	if err == nil {
		t.Fatal("expected a checksum error")
	}
}

func TestMemWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewMemWriter(&buf, testMeta())
	if err != nil {
		t.Fatalf("mem writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err := OpenMemCursor(buf.Bytes(), "mem")
	if err != nil {
		t.Fatalf("open mem cursor: %v", err)
	}
	if _, err := c.Next(); err != io.EOF {
		t.Fatalf("expected immediate EOF, got %v", err)
	}
	if !c.IsEOF() {
		t.Fatal("empty image must carry the EOF marker")
	}
}

func TestDirScanAndGarbage(t *testing.T) {
	dirPath := t.TempDir()
	d, err := NewDir(dirPath, uuid.New(), testLogger())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}

	writeSnap := func(sig int64) *vclock.Clock {
		clock := vclock.New()
		clock.Follow(1, sig)
		w, err := d.CreateWriter(clock, WriterOpts{})
		if err != nil {
			t.Fatalf("create writer: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := d.Finalize(sig); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		d.AddVClock(clock)
		return clock
	}

	writeSnap(5)
	writeSnap(10)
	writeSnap(15)

	// A fresh Dir must rediscover all three from disk.
	d2, err := NewDir(dirPath, uuid.New(), testLogger())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	if err := d2.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if d2.Len() != 3 {
		t.Fatalf("expected 3 checkpoints after scan, got %d", d2.Len())
	}
	last, ok := d2.LastVClock()
	if !ok || last.Sum() != 15 {
		t.Fatalf("expected last signature 15, got %v", last)
	}

	removed := d2.CollectGarbage(15)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed snapshots, got %v", removed)
	}
	if d2.Len() != 1 {
		t.Fatalf("expected 1 checkpoint left, got %d", d2.Len())
	}
	if _, err := os.Stat(d2.FormatFilename(15, false)); err != nil {
		t.Fatalf("surviving snapshot is gone: %v", err)
	}
	if _, err := os.Stat(d2.FormatFilename(5, false)); !os.IsNotExist(err) {
		t.Fatalf("old snapshot still present")
	}
}

func TestDirCollectInprogress(t *testing.T) {
	dirPath := t.TempDir()
	d, err := NewDir(dirPath, uuid.New(), testLogger())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}

	clock := vclock.New()
	clock.Follow(1, 9)
	w, err := d.CreateWriter(clock, WriterOpts{})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	w.Discard()

	d.CollectInprogress()
	if _, err := os.Stat(d.FormatFilename(9, true)); !os.IsNotExist(err) {
		t.Fatal("in-progress file was not collected")
	}
}

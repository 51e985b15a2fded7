package xlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	magic   = "MEMSNAP\x00"
	version = 1

	// DefaultSyncInterval syncs the file to disk every 16 MiB of output.
	DefaultSyncInterval = 16 * 1024 * 1024

	// eofMagic sits in the checksum field of a zero-length frame to mark
	// a completely written file. No real row encodes to zero bytes.
	eofMagic = 0xd510aded
)

// FileMeta is the header of a snapshot file.
type FileMeta struct {
	InstanceUUID string           `msgpack:"instance_uuid"`
	VClock       map[uint32]int64 `msgpack:"vclock"`
}

// Writer streams framed rows into a snapshot file or an in-memory image.
// Close writes the EOF marker; a file closed any other way reads back as
// corrupt, which is the point.
type Writer struct {
	f  *os.File // nil for in-memory images
	bw *bufio.Writer

	syncInterval int64
	sinceSync    int64

	// Byte-rate limit, in bytes per second. Zero disables it.
	rateLimit   float64
	windowStart time.Time
	windowBytes int64

	rows  int64
	bytes int64
}

// WriterOpts configures a Writer.
type WriterOpts struct {
	SyncInterval int64
	RateLimit    float64 // bytes per second, 0 = unlimited
}

// Create opens path for writing and emits the file header.
func Create(path string, meta FileMeta, opts WriterOpts) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		f:            f,
		bw:           bufio.NewWriterSize(f, 1024*1024),
		syncInterval: opts.SyncInterval,
		rateLimit:    opts.RateLimit,
		windowStart:  time.Now(),
	}
	if w.syncInterval == 0 {
		w.syncInterval = DefaultSyncInterval
	}
	if err := w.writeHeader(meta); err != nil {
		w.closeFile()
		return nil, err
	}
	return w, nil
}

// NewMemWriter writes a snapshot image into out. Sync and rate limiting do
// not apply.
func NewMemWriter(out io.Writer, meta FileMeta) (*Writer, error) {
	w := &Writer{
		bw:           bufio.NewWriter(out),
		syncInterval: DefaultSyncInterval,
		windowStart:  time.Now(),
	}
	if err := w.writeHeader(meta); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader(meta FileMeta) error {
	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return err
	}
	if _, err := w.bw.WriteString(magic); err != nil {
		return err
	}
	if err := w.bw.WriteByte(version); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(metaBytes)))
	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.bw.Write(metaBytes)
	return err
}

// WriteRow frames and writes one row.
func (w *Writer) WriteRow(row *Row) error {
	payload, err := row.Encode()
	if err != nil {
		return err
	}

	frame := make([]byte, rowHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:], crc32.Checksum(payload, crcTable))
	copy(frame[rowHeaderSize:], payload)

	if _, err := w.bw.Write(frame); err != nil {
		return err
	}
	w.rows++
	w.bytes += int64(len(frame))
	w.sinceSync += int64(len(frame))

	if w.sinceSync >= w.syncInterval && w.f != nil {
		w.sinceSync = 0
		if err := w.bw.Flush(); err != nil {
			return err
		}
		if err := w.f.Sync(); err != nil {
			return err
		}
	}

	w.throttle(int64(len(frame)))
	return nil
}

// throttle enforces the byte-rate limit by sleeping when the current
// one-second window is overdrawn.
func (w *Writer) throttle(n int64) {
	if w.rateLimit <= 0 {
		return
	}
	w.windowBytes += n
	elapsed := time.Since(w.windowStart).Seconds()
	if elapsed >= 1 {
		w.windowStart = time.Now()
		w.windowBytes = 0
		return
	}
	if float64(w.windowBytes) > w.rateLimit*elapsed {
		excess := float64(w.windowBytes) - w.rateLimit*elapsed
		time.Sleep(time.Duration(excess / w.rateLimit * float64(time.Second)))
	}
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Bytes returns the number of row bytes written so far.
func (w *Writer) Bytes() int64 { return w.bytes }

// Close writes the EOF marker, flushes and syncs the file.
func (w *Writer) Close() error {
	var eof [rowHeaderSize]byte
	binary.BigEndian.PutUint32(eof[4:], eofMagic)
	if _, err := w.bw.Write(eof[:]); err != nil {
		w.closeFile()
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.closeFile()
		return err
	}
	if w.f == nil {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		w.closeFile()
		return err
	}
	return w.f.Close()
}

// Discard closes the file without the EOF marker, leaving it corrupt by
// construction. The caller unlinks it.
func (w *Writer) Discard() {
	w.closeFile()
}

func (w *Writer) closeFile() {
	_ = w.bw.Flush()
	if w.f != nil {
		_ = w.f.Close()
	}
}

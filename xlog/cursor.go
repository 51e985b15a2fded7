package xlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Cursor is a streaming reader over a snapshot file or an in-memory image.
type Cursor struct {
	name   string
	closer io.Closer
	br     *bufio.Reader

	Meta FileMeta

	eof bool
}

// OpenCursor opens a snapshot file and reads its header.
func OpenCursor(path string) (*Cursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Cursor{name: path, closer: f, br: bufio.NewReaderSize(f, 1024*1024)}
	if err := c.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// OpenMemCursor reads a snapshot image held in memory, such as the embedded
// bootstrap image.
func OpenMemCursor(data []byte, name string) (*Cursor, error) {
	c := &Cursor{name: name, br: bufio.NewReader(bytes.NewReader(data))}
	if err := c.readHeader(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) readHeader() error {
	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(c.br, head); err != nil {
		return fmt.Errorf("xlog: %s: short header: %w", c.name, err)
	}
	if string(head[:len(magic)]) != magic {
		return fmt.Errorf("xlog: %s: bad magic: %w", c.name, ErrCorrupt)
	}
	if head[len(magic)] != version {
		return fmt.Errorf("xlog: %s: unsupported version %d", c.name, head[len(magic)])
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.br, lenBuf[:]); err != nil {
		return fmt.Errorf("xlog: %s: short meta: %w", c.name, err)
	}
	metaLen := binary.BigEndian.Uint32(lenBuf[:])
	if metaLen > maxRowSize {
		return fmt.Errorf("xlog: %s: meta length %d: %w", c.name, metaLen, ErrCorrupt)
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(c.br, metaBytes); err != nil {
		return fmt.Errorf("xlog: %s: short meta: %w", c.name, err)
	}
	if err := msgpack.Unmarshal(metaBytes, &c.Meta); err != nil {
		return fmt.Errorf("xlog: %s: meta decode: %w", c.name, err)
	}
	return nil
}

// Next returns the next row. At the EOF marker it returns io.EOF and
// IsEOF() turns true; an io.EOF with IsEOF() false means the file ends
// without a marker and must be treated as corrupt by the caller.
func (c *Cursor) Next() (*Row, error) {
	if c.eof {
		return nil, io.EOF
	}

	var head [rowHeaderSize]byte
	if _, err := io.ReadFull(c.br, head[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(head[0:])
	checksum := binary.BigEndian.Uint32(head[4:])

	if length == 0 {
		if checksum != eofMagic {
			return nil, fmt.Errorf("xlog: %s: zero-length frame: %w", c.name, ErrCorrupt)
		}
		c.eof = true
		return nil, io.EOF
	}
	if length > maxRowSize {
		return nil, fmt.Errorf("xlog: %s: frame length %d: %w", c.name, length, ErrCorrupt)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return nil, fmt.Errorf("xlog: %s: short row: %w", c.name, err)
	}
	if crc32.Checksum(payload, crcTable) != checksum {
		return nil, fmt.Errorf("xlog: %s: %w", c.name, ErrChecksum)
	}
	return DecodeRow(payload)
}

// IsEOF reports whether the cursor reached the explicit EOF marker.
func (c *Cursor) IsEOF() bool { return c.eof }

// Name returns the path or label the cursor was opened with.
func (c *Cursor) Name() string { return c.name }

// Close releases the underlying file, if any.
func (c *Cursor) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

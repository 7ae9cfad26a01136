// Package buffer implements the sequential byte writers and readers used to
// compose and parse frames.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var ErrShortBuffer = errors.New("not enough bytes left in buffer")
var ErrAlreadyCommitted = errors.New("write buffer has already been committed")
var ErrTooLong = errors.New("length exceeds encodable range")

// lengths below this marker fit in one byte, the marker itself is followed by
// a uint32 length
const longLengthMarker = 0x7f

// WriteBuffer accumulates bytes for a single message. Nothing is visible to the
// peer until Commit.
type WriteBuffer interface {
	WriteUint8(v uint8) WriteBuffer
	WriteUint16(v uint16) WriteBuffer
	WriteUint32(v uint32) WriteBuffer
	WriteString(s string) WriteBuffer
	// WriteBytes writes b with a length prefix
	WriteBytes(b []byte) WriteBuffer
	// WriteRaw appends b as is
	WriteRaw(b []byte) WriteBuffer
	Commit() error
}

// ReadBuffer is a read cursor over one received message.
type ReadBuffer interface {
	ReadUint8() (uint8, error)
	ReadUint16() (uint16, error)
	ReadUint32() (uint32, error)
	ReadString() (string, error)
	ReadBytes() ([]byte, error)
	// SliceAtReadPosition returns the unread bytes as a new buffer with its own cursor
	SliceAtReadPosition() ReadBuffer
	// Len is the number of unread bytes
	Len() int
	// Bytes returns the unread bytes without advancing the cursor
	Bytes() []byte
}

// Writer is the in-memory WriteBuffer. The accumulated bytes are handed to
// onCommit in one piece.
type Writer struct {
	buf       []byte
	onCommit  func([]byte) error
	err       error
	committed uint32
}

func NewWriter(onCommit func([]byte) error) *Writer {
	return &Writer{onCommit: onCommit}
}

// NewFailedWriter returns a writer that accepts writes but fails to commit
// with err.
func NewFailedWriter(err error) *Writer {
	return &Writer{err: err}
}

func (w *Writer) WriteUint8(v uint8) WriteBuffer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteUint16(v uint16) WriteBuffer {
	w.buf = append(w.buf, 0, 0)
	binary.BigEndian.PutUint16(w.buf[len(w.buf)-2:], v)
	return w
}

func (w *Writer) WriteUint32(v uint32) WriteBuffer {
	w.buf = append(w.buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(w.buf[len(w.buf)-4:], v)
	return w
}

// PrefixedLen is the encoded size of an n byte string or byte slice, length
// prefix included.
func PrefixedLen(n int) int {
	if n < longLengthMarker {
		return 1 + n
	}
	return 5 + n
}

func (w *Writer) writeLength(n int) {
	if n < longLengthMarker {
		w.WriteUint8(uint8(n))
		return
	}
	if uint64(n) > math.MaxUint32 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %v", ErrTooLong, n)
		}
		return
	}
	w.WriteUint8(longLengthMarker)
	w.WriteUint32(uint32(n))
}

func (w *Writer) WriteString(s string) WriteBuffer {
	w.writeLength(len(s))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) WriteBytes(b []byte) WriteBuffer {
	w.writeLength(len(b))
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) WriteRaw(b []byte) WriteBuffer {
	w.buf = append(w.buf, b...)
	return w
}

// Len is the number of bytes written so far
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Commit() error {
	if !atomic.CompareAndSwapUint32(&w.committed, 0, 1) {
		return ErrAlreadyCommitted
	}
	if w.err != nil {
		return w.err
	}
	if w.onCommit == nil {
		return nil
	}
	return w.onCommit(w.buf)
}

// Reader is the ReadBuffer over a byte slice. It never copies or modifies the
// underlying slice.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortBuffer
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) readLength() (int, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	if n < longLengthMarker {
		return int(n), nil
	}
	long, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	if uint64(long) > uint64(r.Len()) {
		return 0, ErrShortBuffer
	}
	return int(long), nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	return r.take(n)
}

func (r *Reader) SliceAtReadPosition() ReadBuffer {
	return NewReader(r.data[r.pos:])
}

func (r *Reader) Len() int { return len(r.data) - r.pos }

func (r *Reader) Bytes() []byte { return r.data[r.pos:] }

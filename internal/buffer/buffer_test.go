package buffer

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_NothingBeforeCommit(t *testing.T) {
	var sent [][]byte
	w := NewWriter(func(b []byte) error {
		sent = append(sent, b)
		return nil
	})
	w.WriteUint8(4).WriteString("abc").WriteRaw([]byte{1, 2})
	assert.Empty(t, sent)

	assert.NoError(t, w.Commit())
	assert.Equal(t, [][]byte{{4, 3, 'a', 'b', 'c', 1, 2}}, sent)

	assert.ErrorIs(t, w.Commit(), ErrAlreadyCommitted)
	assert.Len(t, sent, 1)
}

func TestFailedWriter(t *testing.T) {
	w := NewFailedWriter(ErrShortBuffer)
	w.WriteUint32(1)
	assert.ErrorIs(t, w.Commit(), ErrShortBuffer)
}

func TestReader_Header(t *testing.T) {
	var frame []byte
	w := NewWriter(func(b []byte) error {
		frame = b
		return nil
	})
	payload := make([]byte, 300)
	rand.Read(payload)
	_ = w.WriteUint8(4).WriteString("terminal/1").WriteRaw(payload).Commit()

	r := NewReader(frame)
	typ, err := r.ReadUint8()
	assert.NoError(t, err)
	assert.EqualValues(t, 4, typ)
	id, err := r.ReadString()
	assert.NoError(t, err)
	assert.Equal(t, "terminal/1", id)

	rest := r.SliceAtReadPosition()
	assert.Equal(t, len(payload), rest.Len())
	assert.True(t, bytes.Equal(payload, rest.Bytes()))
}

func TestReader_LengthEncoding(t *testing.T) {
	for _, n := range []int{0, 1, 126, 127, 128, 70000} {
		s := strings.Repeat("x", n)
		var frame []byte
		_ = NewWriter(func(b []byte) error {
			frame = b
			return nil
		}).WriteString(s).WriteUint16(0xbeef).Commit()

		if n < 127 {
			assert.Equal(t, n+1+2, len(frame))
		} else {
			assert.Equal(t, n+5+2, len(frame))
		}
		assert.Equal(t, len(frame)-2, PrefixedLen(n))

		r := NewReader(frame)
		got, err := r.ReadString()
		assert.NoError(t, err)
		assert.Equal(t, s, got)
		tail, err := r.ReadUint16()
		assert.NoError(t, err)
		assert.EqualValues(t, 0xbeef, tail)
		assert.Zero(t, r.Len())
	}
}

func TestReader_IndependentCursors(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	provider := func() ReadBuffer { return NewReader(data) }

	a := provider()
	b := provider()
	_, _ = a.ReadUint16()
	first, err := b.ReadUint8()
	assert.NoError(t, err)
	assert.EqualValues(t, 1, first)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 3, b.Len())
}

func TestReader_Short(t *testing.T) {
	r := NewReader([]byte{0x7f, 0, 0, 1, 0})
	_, err := r.ReadString()
	assert.ErrorIs(t, err, ErrShortBuffer)

	r = NewReader([]byte{5, 'a'})
	_, err = r.ReadBytes()
	assert.ErrorIs(t, err, ErrShortBuffer)

	r = NewReader(nil)
	_, err = r.ReadUint8()
	assert.ErrorIs(t, err, ErrShortBuffer)
	_, err = r.ReadUint32()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

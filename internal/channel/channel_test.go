package channel

import (
	"errors"
	"testing"

	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/stretchr/testify/assert"
)

type recordingChannel struct {
	Base
	written [][]byte
}

func (c *recordingChannel) GetWriteBuffer() buffer.WriteBuffer {
	return buffer.NewWriter(func(b []byte) error {
		c.written = append(c.written, append([]byte(nil), b...))
		return nil
	})
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{Base: MakeBase()}
}

func TestBase_Events(t *testing.T) {
	c := newRecordingChannel()

	var closes []CloseEvent
	var errs []error
	var msgs [][]byte
	c.OnClose(func(e CloseEvent) { closes = append(closes, e) })
	c.OnError(func(err error) { errs = append(errs, err) })
	c.OnMessage(func(p MessageProvider) { msgs = append(msgs, p().Bytes()) })

	c.FireMessage(BytesProvider([]byte{1, 2}))
	c.FireError(errors.New("boom"))
	c.FireClose(CloseEvent{Reason: "bye", Code: 1000})

	assert.Equal(t, [][]byte{{1, 2}}, msgs)
	assert.Len(t, errs, 1)
	assert.Equal(t, []CloseEvent{{Reason: "bye", Code: 1000}}, closes)
}

func TestBase_CloseSilencesEvents(t *testing.T) {
	c := newRecordingChannel()
	fired := 0
	c.OnClose(func(CloseEvent) { fired++ })
	c.OnMessage(func(MessageProvider) { fired++ })
	c.OnError(func(error) { fired++ })

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.True(t, c.IsClosed())

	c.FireClose(CloseEvent{})
	c.FireMessage(BytesProvider(nil))
	c.FireError(errors.New("late"))
	assert.Zero(t, fired)

	// late subscriptions are silently ignored
	c.OnMessage(func(MessageProvider) { fired++ }).Dispose()
}

func TestBase_Track(t *testing.T) {
	c := newRecordingChannel()
	released := false
	c.Track(disposableFunc(func() { released = true }))
	_ = c.Close()
	assert.True(t, released)
}

type disposableFunc func()

func (f disposableFunc) Dispose() { f() }

func TestBytesProvider_IndependentCursors(t *testing.T) {
	p := BytesProvider([]byte{7, 8, 9})
	first := p()
	_, _ = first.ReadUint8()
	second := p()
	b, err := second.ReadUint8()
	assert.NoError(t, err)
	assert.EqualValues(t, 7, b)
	assert.Equal(t, 2, first.Len())
}

// Package channel defines the bidirectional message endpoint that both the
// physical transports and the multiplexed sub-channels implement.
package channel

import (
	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/cbeuw/chanmux/internal/event"
)

// CloseEvent describes why a channel was closed. Code is 0 if the closing side
// did not give one.
type CloseEvent struct {
	Reason string
	Code   int
}

// MessageProvider returns a fresh read cursor positioned at the start of the
// message each time it is called, so listeners never share a read position.
type MessageProvider func() buffer.ReadBuffer

// Channel is a message oriented endpoint with lifecycle notifications. After
// Close returns no further events are delivered.
type Channel interface {
	OnClose(func(CloseEvent)) event.Disposable
	OnError(func(error)) event.Disposable
	OnMessage(func(MessageProvider)) event.Disposable
	// GetWriteBuffer returns a buffer for exactly one outgoing message. The
	// message is sent when the buffer is committed.
	GetWriteBuffer() buffer.WriteBuffer
	Close() error
}

// Base carries the event plumbing shared by every Channel implementation.
// Embedders only need to supply GetWriteBuffer.
type Base struct {
	onCloseEmitter   *event.Emitter[CloseEvent]
	onErrorEmitter   *event.Emitter[error]
	onMessageEmitter *event.Emitter[MessageProvider]

	toDispose *event.DisposableCollection
}

func MakeBase() Base {
	b := Base{
		onCloseEmitter:   event.NewEmitter[CloseEvent](),
		onErrorEmitter:   event.NewEmitter[error](),
		onMessageEmitter: event.NewEmitter[MessageProvider](),
		toDispose:        event.NewDisposableCollection(),
	}
	b.toDispose.Push(b.onCloseEmitter)
	b.toDispose.Push(b.onErrorEmitter)
	b.toDispose.Push(b.onMessageEmitter)
	return b
}

func (b *Base) OnClose(fn func(CloseEvent)) event.Disposable { return b.onCloseEmitter.Event(fn) }
func (b *Base) OnError(fn func(error)) event.Disposable      { return b.onErrorEmitter.Event(fn) }
func (b *Base) OnMessage(fn func(MessageProvider)) event.Disposable {
	return b.onMessageEmitter.Event(fn)
}

func (b *Base) FireClose(e CloseEvent)        { b.onCloseEmitter.Fire(e) }
func (b *Base) FireError(err error)           { b.onErrorEmitter.Fire(err) }
func (b *Base) FireMessage(p MessageProvider) { b.onMessageEmitter.Fire(p) }

// Track registers d to be released when the channel closes.
func (b *Base) Track(d event.Disposable) { b.toDispose.Push(d) }

// Close disposes all emitters. It is safe to call more than once.
func (b *Base) Close() error {
	b.toDispose.Dispose()
	return nil
}

func (b *Base) IsClosed() bool { return b.toDispose.IsDisposed() }

// BytesProvider wraps a received message so each call gets its own cursor.
func BytesProvider(data []byte) MessageProvider {
	return func() buffer.ReadBuffer { return buffer.NewReader(data) }
}

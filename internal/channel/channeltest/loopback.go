// Package channeltest provides in-memory channels for tests.
package channeltest

import (
	"errors"
	"sync"

	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/cbeuw/chanmux/internal/channel"
)

var ErrLoopbackClosed = errors.New("loopback channel is closed")

// Loopback is one end of a synchronous in-memory channel pair. A committed
// write is delivered to the peer's message listeners before Commit returns.
// Every committed frame is recorded so tests can inspect the wire.
type Loopback struct {
	channel.Base

	peer *Loopback

	sentM sync.Mutex
	sent  [][]byte
}

// Pair returns two connected loopback channels.
func Pair() (*Loopback, *Loopback) {
	a := &Loopback{Base: channel.MakeBase()}
	b := &Loopback{Base: channel.MakeBase()}
	a.peer = b
	b.peer = a
	return a, b
}

// Unconnected returns a loopback whose writes are only recorded.
func Unconnected() *Loopback {
	return &Loopback{Base: channel.MakeBase()}
}

func (l *Loopback) GetWriteBuffer() buffer.WriteBuffer {
	return buffer.NewWriter(func(b []byte) error {
		if l.IsClosed() {
			return ErrLoopbackClosed
		}
		frame := make([]byte, len(b))
		copy(frame, b)
		l.sentM.Lock()
		l.sent = append(l.sent, frame)
		l.sentM.Unlock()
		if l.peer != nil {
			l.peer.FireMessage(channel.BytesProvider(frame))
		}
		return nil
	})
}

// Sent returns a copy of every frame committed on this end so far.
func (l *Loopback) Sent() [][]byte {
	l.sentM.Lock()
	defer l.sentM.Unlock()
	ret := make([][]byte, len(l.sent))
	copy(ret, l.sent)
	return ret
}

// Deliver fires frame at this end's message listeners as if the peer sent it.
func (l *Loopback) Deliver(frame []byte) {
	l.FireMessage(channel.BytesProvider(frame))
}

func (l *Loopback) Close() error {
	if l.IsClosed() {
		return nil
	}
	_ = l.Base.Close()
	if l.peer != nil {
		l.peer.FireClose(channel.CloseEvent{Reason: "loopback peer closed"})
	}
	return nil
}

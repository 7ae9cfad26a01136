package multiplex

import (
	"sync"
	"sync/atomic"

	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/cbeuw/chanmux/internal/channel"
)

// forwardingChannel is a sub-channel of a Multiplexer. It has no transport of
// its own: writes go to writeBufferSource, which hands out underlying buffers
// with the Data header already in place, and a local Close is reported to
// closeHandler.
type forwardingChannel struct {
	channel.Base

	id string

	closeHandler      func() error
	writeBufferSource func() buffer.WriteBuffer

	closed uint32

	// While deferring is set, inbound payloads queue in pending instead of
	// firing. This holds back the first payload of a remotely opened channel
	// until listeners attached during the open notification are in place.
	// A remote close arriving meanwhile waits in pendingClose.
	pendingM     sync.Mutex
	pending      [][]byte
	deferring    bool
	pendingClose *channel.CloseEvent
	afterClose   func()

	// atomic
	rx int64
	// atomic
	tx int64
}

func makeForwardingChannel(id string, closeHandler func() error, writeBufferSource func() buffer.WriteBuffer) *forwardingChannel {
	return &forwardingChannel{
		Base:              channel.MakeBase(),
		id:                id,
		closeHandler:      closeHandler,
		writeBufferSource: writeBufferSource,
	}
}

func (fc *forwardingChannel) GetWriteBuffer() buffer.WriteBuffer {
	return fc.writeBufferSource()
}

// Close is the local close. Our own listeners are not told; the multiplexer
// is, so that it can notify the remote.
func (fc *forwardingChannel) Close() error {
	if !atomic.CompareAndSwapUint32(&fc.closed, 0, 1) {
		return nil
	}
	_ = fc.Base.Close()
	return fc.closeHandler()
}

// remoteClose is the close initiated by the remote or by the multiplexer
// tearing down. Listeners are told, then the channel is disposed and done is
// called. While deliveries are held back, all of this waits until they are
// flushed.
func (fc *forwardingChannel) remoteClose(e channel.CloseEvent, done func()) {
	if !atomic.CompareAndSwapUint32(&fc.closed, 0, 1) {
		return
	}
	fc.pendingM.Lock()
	if fc.deferring {
		fc.pendingClose = &e
		fc.afterClose = done
		fc.pendingM.Unlock()
		return
	}
	fc.pendingM.Unlock()
	fc.finishClose(e, done)
}

func (fc *forwardingChannel) finishClose(e channel.CloseEvent, done func()) {
	fc.FireClose(e)
	_ = fc.Base.Close()
	if done != nil {
		done()
	}
}

func (fc *forwardingChannel) isClosed() bool {
	return atomic.LoadUint32(&fc.closed) == 1
}

func (fc *forwardingChannel) fireData(data []byte) {
	atomic.AddInt64(&fc.rx, int64(len(data)))
	fc.FireMessage(channel.BytesProvider(data))
}

// deliver fires data now, or queues it behind a pending deferred delivery.
func (fc *forwardingChannel) deliver(data []byte) {
	fc.pendingM.Lock()
	if fc.deferring {
		fc.pending = append(fc.pending, append([]byte(nil), data...))
		fc.pendingM.Unlock()
		return
	}
	fc.pendingM.Unlock()
	fc.fireData(data)
}

// holdDeliveries queues data as the first payload and makes later deliveries
// queue behind it until flushPending runs.
func (fc *forwardingChannel) holdDeliveries(data []byte) {
	fc.pendingM.Lock()
	fc.deferring = true
	fc.pending = append(fc.pending, append([]byte(nil), data...))
	fc.pendingM.Unlock()
}

func (fc *forwardingChannel) flushPending() {
	for {
		fc.pendingM.Lock()
		if len(fc.pending) == 0 {
			fc.deferring = false
			closeEvent, done := fc.pendingClose, fc.afterClose
			fc.pendingClose, fc.afterClose = nil, nil
			fc.pendingM.Unlock()
			if closeEvent != nil {
				fc.finishClose(*closeEvent, done)
			}
			return
		}
		batch := fc.pending
		fc.pending = nil
		fc.pendingM.Unlock()

		for _, data := range batch {
			fc.fireData(data)
		}
	}
}

func (fc *forwardingChannel) stats() ChannelStats {
	return ChannelStats{
		ID: fc.id,
		Rx: atomic.LoadInt64(&fc.rx),
		Tx: atomic.LoadInt64(&fc.tx),
	}
}

// dataWriter counts the encoded payload written after the Data header so the
// bytes can be attributed to the sub-channel once committed.
type dataWriter struct {
	wb buffer.WriteBuffer
	fc *forwardingChannel
	n  int
}

func (w *dataWriter) WriteUint8(v uint8) buffer.WriteBuffer {
	w.wb.WriteUint8(v)
	w.n++
	return w
}

func (w *dataWriter) WriteUint16(v uint16) buffer.WriteBuffer {
	w.wb.WriteUint16(v)
	w.n += 2
	return w
}

func (w *dataWriter) WriteUint32(v uint32) buffer.WriteBuffer {
	w.wb.WriteUint32(v)
	w.n += 4
	return w
}

func (w *dataWriter) WriteString(s string) buffer.WriteBuffer {
	w.wb.WriteString(s)
	w.n += buffer.PrefixedLen(len(s))
	return w
}

func (w *dataWriter) WriteBytes(b []byte) buffer.WriteBuffer {
	w.wb.WriteBytes(b)
	w.n += buffer.PrefixedLen(len(b))
	return w
}

func (w *dataWriter) WriteRaw(b []byte) buffer.WriteBuffer {
	w.wb.WriteRaw(b)
	w.n += len(b)
	return w
}

func (w *dataWriter) Commit() error {
	if err := w.wb.Commit(); err != nil {
		return err
	}
	atomic.AddInt64(&w.fc.tx, int64(w.n))
	return nil
}

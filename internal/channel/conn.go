package channel

import (
	"errors"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrConnClosed = errors.New("channel conn is closed")

// Conn presents a Channel as a byte stream. Every inbound message payload is
// appended to a read buffer and every Write becomes one outbound message.
type Conn struct {
	ch   Channel
	pipe *bufferedPipe

	closeOnce sync.Once
	closed    chan struct{}

	// max bytes carried by a single message, 0 for unlimited
	maxWriteUnit int
}

// NewConn wraps ch. maxWriteUnit splits large writes into several messages,
// 0 sends each Write as one message.
func NewConn(ch Channel, maxWriteUnit int) *Conn {
	c := &Conn{
		ch:           ch,
		pipe:         newBufferedPipe(),
		closed:       make(chan struct{}),
		maxWriteUnit: maxWriteUnit,
	}
	ch.OnMessage(func(p MessageProvider) {
		data := p().Bytes()
		if len(data) == 0 {
			return
		}
		// the payload is only valid during the callback
		cp := make([]byte, len(data))
		copy(cp, data)
		if _, err := c.pipe.Write(cp); err != nil {
			log.Tracef("dropping %v bytes received after conn close", len(cp))
		}
	})
	ch.OnClose(func(e CloseEvent) {
		log.WithFields(log.Fields{
			"reason": e.Reason,
			"code":   e.Code,
		}).Debug("channel conn closed by peer")
		c.pipe.closeWithError(io.EOF)
		c.markClosed()
	})
	ch.OnError(func(err error) {
		log.Debugf("channel conn received error: %v", err)
	})
	return c
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) Read(b []byte) (int, error) {
	return c.pipe.Read(b)
}

func (c *Conn) Write(b []byte) (n int, err error) {
	select {
	case <-c.closed:
		return 0, ErrConnClosed
	default:
	}
	for len(b) > 0 {
		unit := b
		if c.maxWriteUnit > 0 && len(unit) > c.maxWriteUnit {
			unit = b[:c.maxWriteUnit]
		}
		if err = c.ch.GetWriteBuffer().WriteRaw(unit).Commit(); err != nil {
			return n, err
		}
		n += len(unit)
		b = b[len(unit):]
	}
	return n, nil
}

// Done is closed once the underlying channel is closed from either side.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.pipe.SetReadDeadline(t)
	return nil
}

// Close closes the wrapped channel. Pending buffered data can still be read.
func (c *Conn) Close() error {
	c.markClosed()
	_ = c.pipe.Close()
	return c.ch.Close()
}

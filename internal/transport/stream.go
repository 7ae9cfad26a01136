package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/cbeuw/chanmux/internal/channel"

	log "github.com/sirupsen/logrus"
)

const (
	frameLengthSize     = 4
	defaultMaxFrameSize = 1 << 24
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")
var ErrClosed = errors.New("underlying channel is closed")

type StreamConfig struct {
	// Valve is used to limit transmission rates, and record and limit usage
	Valve Valve

	// MaxFrameSize is the largest frame accepted in either direction, excluding
	// the length prefix
	MaxFrameSize int
}

// StreamChannel is a Channel over a byte stream such as a TCP connection or a
// pipe. Each frame is preceded by its length as a 4 byte big endian integer.
type StreamChannel struct {
	channel.Base

	StreamConfig

	conn net.Conn

	writeM sync.Mutex

	started uint32
	closed  uint32
}

func NewStreamChannel(conn net.Conn, config StreamConfig) *StreamChannel {
	c := &StreamChannel{
		Base:         channel.MakeBase(),
		StreamConfig: config,
		conn:         conn,
	}
	if c.Valve == nil {
		c.Valve = UNLIMITED_VALVE
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	return c
}

// Start begins reading frames from the connection. Listeners should be in
// place before it is called. Calling it again has no effect.
func (c *StreamChannel) Start() {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return
	}
	go c.readLoop()
}

func (c *StreamChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *StreamChannel) GetWriteBuffer() buffer.WriteBuffer {
	return buffer.NewWriter(c.writeFrame)
}

func (c *StreamChannel) writeFrame(frame []byte) error {
	if atomic.LoadUint32(&c.closed) == 1 {
		return ErrClosed
	}
	if len(frame) > c.MaxFrameSize {
		return fmt.Errorf("%w: %v", ErrFrameTooLarge, len(frame))
	}
	msg := make([]byte, frameLengthSize+len(frame))
	binary.BigEndian.PutUint32(msg, uint32(len(frame)))
	copy(msg[frameLengthSize:], frame)

	c.Valve.txWait(len(msg))
	c.writeM.Lock()
	n, err := c.conn.Write(msg)
	c.writeM.Unlock()
	c.Valve.AddTx(int64(n))
	if err != nil {
		return err
	}
	return nil
}

func (c *StreamChannel) readLoop() {
	lenBuf := make([]byte, frameLengthSize)
	for {
		_, err := io.ReadFull(c.conn, lenBuf)
		if err != nil {
			c.fail(err)
			return
		}
		size := binary.BigEndian.Uint32(lenBuf)
		if uint64(size) > uint64(c.MaxFrameSize) {
			c.fail(fmt.Errorf("%w: %v", ErrFrameTooLarge, size))
			return
		}
		// a fresh slice per frame, listeners may hold on to it
		frame := make([]byte, size)
		_, err = io.ReadFull(c.conn, frame)
		if err != nil {
			c.fail(err)
			return
		}
		c.Valve.rxWait(frameLengthSize + len(frame))
		c.Valve.AddRx(int64(frameLengthSize + len(frame)))
		c.FireMessage(channel.BytesProvider(frame))
	}
}

func (c *StreamChannel) fail(err error) {
	if atomic.LoadUint32(&c.closed) == 1 {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		log.Debugf("stream channel to %v closed: %v", c.conn.RemoteAddr(), err)
		c.FireClose(channel.CloseEvent{Reason: "connection closed"})
	} else {
		log.Debugf("stream channel to %v failed: %v", c.conn.RemoteAddr(), err)
		c.FireError(err)
		c.FireClose(channel.CloseEvent{Reason: err.Error()})
	}
	_ = c.Close()
}

func (c *StreamChannel) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	_ = c.Base.Close()
	return c.conn.Close()
}

package channel

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

const recvBufferSizeLimit = 1 << 24

var ErrTimeout = errors.New("deadline exceeded")

// bufferedPipe collects inbound message payloads for Conn. Read blocks until
// data is available, the pipe is closed or the read deadline passes. Data
// already buffered is always returned before either of those is reported.
type bufferedPipe struct {
	m    sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer

	closed   bool
	closeErr error

	timedOut      bool
	deadlineTimer *time.Timer
}

func newBufferedPipe() *bufferedPipe {
	p := &bufferedPipe{}
	p.cond = sync.NewCond(&p.m)
	return p
}

func (p *bufferedPipe) Read(target []byte) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()
	for p.buf.Len() == 0 {
		switch {
		case p.closed:
			return 0, p.closeErr
		case p.timedOut:
			return 0, ErrTimeout
		}
		p.cond.Wait()
	}
	n, _ := p.buf.Read(target)
	// wake a writer waiting for room
	p.cond.Broadcast()
	return n, nil
}

// Write blocks while the pipe holds more than recvBufferSizeLimit unread bytes.
func (p *bufferedPipe) Write(input []byte) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()
	for !p.closed && p.buf.Len() > recvBufferSizeLimit {
		p.cond.Wait()
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(input)
	p.cond.Broadcast()
	return n, nil
}

// closeWithError makes Read return err once the buffered data is drained.
// Only the first call has an effect.
func (p *bufferedPipe) closeWithError(err error) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return
	}
	if err == nil {
		err = io.EOF
	}
	p.closed = true
	p.closeErr = err
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}
	p.cond.Broadcast()
}

func (p *bufferedPipe) Close() error {
	p.closeWithError(io.EOF)
	return nil
}

// SetReadDeadline replaces any earlier deadline. The zero time clears it.
func (p *bufferedPipe) SetReadDeadline(t time.Time) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
		p.deadlineTimer = nil
	}
	p.timedOut = false
	if t.IsZero() {
		p.cond.Broadcast()
		return
	}
	d := time.Until(t)
	if d <= 0 {
		p.timedOut = true
		p.cond.Broadcast()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		p.m.Lock()
		defer p.m.Unlock()
		// a later SetReadDeadline may have replaced this timer
		if p.deadlineTimer == timer {
			p.timedOut = true
			p.cond.Broadcast()
		}
	})
	p.deadlineTimer = timer
}

package main

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/channel/channeltest"
	"github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/stretchr/testify/assert"
)

type fakeLocal struct {
	in io.Reader

	outM sync.Mutex
	out  bytes.Buffer
}

func (f *fakeLocal) Read(b []byte) (int, error) { return f.in.Read(b) }
func (f *fakeLocal) Write(b []byte) (int, error) {
	f.outM.Lock()
	defer f.outM.Unlock()
	return f.out.Write(b)
}
func (f *fakeLocal) Close() error { return nil }

func (f *fakeLocal) output() string {
	f.outM.Lock()
	defer f.outM.Unlock()
	return f.out.String()
}

// slowEchoPair returns a client multiplexer whose peer echoes every payload
// back after delay, then closes the channel if closeAfter is set.
func slowEchoPair(delay time.Duration, closeAfter bool) *multiplex.Multiplexer {
	a, b := channeltest.Pair()
	client := multiplex.MakeMultiplexer(a, multiplex.Config{})
	remote := multiplex.MakeMultiplexer(b, multiplex.Config{})
	remote.OnDidOpenChannel(func(e multiplex.OpenEvent) {
		ch := e.Channel
		ch.OnMessage(func(p channel.MessageProvider) {
			data := append([]byte(nil), p().Bytes()...)
			go func() {
				time.Sleep(delay)
				_ = ch.GetWriteBuffer().WriteRaw(data).Commit()
				if closeAfter {
					_ = ch.Close()
				}
			}()
		})
	})
	return client
}

func TestPipe_WaitsForReplyAfterLocalEOF(t *testing.T) {
	client := slowEchoPair(50*time.Millisecond, false)
	ch, err := client.Open("echo/1")
	assert.NoError(t, err)

	local := &fakeLocal{in: strings.NewReader("hi")}
	pipe(local, channel.NewConn(ch, 0), 500*time.Millisecond)
	assert.Equal(t, "hi", local.output())
}

func TestPipe_RemoteCloseEndsLinger(t *testing.T) {
	client := slowEchoPair(10*time.Millisecond, true)
	ch, err := client.Open("echo/1")
	assert.NoError(t, err)

	local := &fakeLocal{in: strings.NewReader("hi")}
	start := time.Now()
	pipe(local, channel.NewConn(ch, 0), 10*time.Second)
	assert.Equal(t, "hi", local.output())
	assert.Less(t, time.Since(start), 5*time.Second)
}

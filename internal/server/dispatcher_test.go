package server

import (
	"testing"

	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/channel/channeltest"
	"github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/stretchr/testify/assert"
)

func makeDispatchedPair(d *Dispatcher) (client, server *multiplex.Multiplexer) {
	a, b := channeltest.Pair()
	client = multiplex.MakeMultiplexer(a, multiplex.Config{})
	server = multiplex.MakeMultiplexer(b, multiplex.Config{})
	d.Attach(server)
	return
}

func TestDispatcher_LongestPrefix(t *testing.T) {
	d := NewDispatcher()
	var got []string
	d.Handle("", func(id string, ch channel.Channel) { got = append(got, "default:"+id) })
	d.Handle("term", func(id string, ch channel.Channel) { got = append(got, "term:"+id) })
	d.Handle("terminal/", func(id string, ch channel.Channel) { got = append(got, "terminal:"+id) })

	client, _ := makeDispatchedPair(d)
	for _, id := range []string{"terminal/1", "term2", "files"} {
		_, err := client.Open(id)
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"terminal:terminal/1", "term:term2", "default:files"}, got)
}

func TestDispatcher_UnroutedChannelIsClosed(t *testing.T) {
	d := NewDispatcher()
	d.Handle("echo/", EchoService)
	client, server := makeDispatchedPair(d)

	ch, err := client.Open("nowhere")
	assert.NoError(t, err)
	var reason string
	ch.OnClose(func(e channel.CloseEvent) { reason = e.Reason })

	// the server closed it while handling Open, before the listener above
	// was attached, so the channel is already gone on both sides
	_, ok := server.GetOpenChannel("nowhere")
	assert.False(t, ok)
	_, ok = client.GetOpenChannel("nowhere")
	assert.False(t, ok)
	assert.Empty(t, reason)
}

func TestEchoService(t *testing.T) {
	d := NewDispatcher()
	d.Handle("echo/", EchoService)
	client, _ := makeDispatchedPair(d)

	ch, err := client.Open("echo/1")
	assert.NoError(t, err)
	var echoed []string
	ch.OnMessage(func(p channel.MessageProvider) { echoed = append(echoed, string(p().Bytes())) })

	assert.NoError(t, ch.GetWriteBuffer().WriteRaw([]byte("ping")).Commit())
	assert.NoError(t, ch.GetWriteBuffer().WriteRaw([]byte("pong")).Commit())
	assert.Equal(t, []string{"ping", "pong"}, echoed)
}

func TestDiscardService(t *testing.T) {
	d := NewDispatcher()
	d.Handle("", DiscardService)
	client, server := makeDispatchedPair(d)

	ch, err := client.Open("sink")
	assert.NoError(t, err)
	var echoed int
	ch.OnMessage(func(channel.MessageProvider) { echoed++ })
	assert.NoError(t, ch.GetWriteBuffer().WriteRaw([]byte("data")).Commit())
	assert.Zero(t, echoed)

	stats, ok := server.ChannelStats("sink")
	assert.True(t, ok)
	assert.Equal(t, int64(4), stats.Rx)
}

func TestLookupService(t *testing.T) {
	_, ok := LookupService("echo")
	assert.True(t, ok)
	_, ok = LookupService("discard")
	assert.True(t, ok)
	_, ok = LookupService("teleport")
	assert.False(t, ok)
}

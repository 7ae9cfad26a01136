package multiplex

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/event"

	log "github.com/sirupsen/logrus"
)

const (
	remoteCloseReason     = "Channel has been closed from the remote side"
	underlyingCloseReason = "Underlying channel has been closed"
	disposeReason         = "Channel multiplexer has been disposed"
)

var ErrMultiplexerDisposed = errors.New("channel multiplexer disposed")
var ErrChannelClosed = errors.New("channel has been closed")

// OpenEvent is fired whenever a sub-channel comes into existence, whether it
// was opened locally or by the remote.
type OpenEvent struct {
	ID      string
	Channel channel.Channel
}

// ChannelStats is the payload traffic of one sub-channel over its lifetime.
type ChannelStats struct {
	ID string
	Rx int64
	Tx int64
}

type Config struct {
	// Defer runs f later, after the current inbound frame has been handled.
	// It is used to deliver the first payload of a channel the remote opened
	// implicitly by sending data. Defaults to running f on a new goroutine.
	Defer func(f func())

	// OnChannelClosed is called with the traffic counters of each sub-channel
	// leaving the multiplexer, for whatever reason.
	OnChannelClosed func(ChannelStats)
}

// A Multiplexer carries any number of named sub-channels over one underlying
// channel. Each sub-channel behaves as a Channel of its own. Frames are tagged
// with a message type and the channel id, and are demultiplexed by that tag on
// the receiving side.
type Multiplexer struct {
	Config

	underlying channel.Channel

	channelsM    sync.Mutex
	openChannels map[string]*forwardingChannel

	onDidOpenChannelEmitter *event.Emitter[OpenEvent]

	toDispose *event.DisposableCollection

	disposed uint32
}

func MakeMultiplexer(underlying channel.Channel, config Config) *Multiplexer {
	mux := &Multiplexer{
		Config:                  config,
		underlying:              underlying,
		openChannels:            map[string]*forwardingChannel{},
		onDidOpenChannelEmitter: event.NewEmitter[OpenEvent](),
		toDispose:               event.NewDisposableCollection(),
	}
	if mux.Defer == nil {
		mux.Defer = func(f func()) { go f() }
	}

	mux.toDispose.Push(mux.onDidOpenChannelEmitter)
	mux.toDispose.Push(underlying.OnClose(mux.handleUnderlyingClose))
	mux.toDispose.Push(underlying.OnError(mux.handleUnderlyingError))
	mux.toDispose.Push(underlying.OnMessage(mux.handleMessage))
	return mux
}

// OnDidOpenChannel subscribes to the creation of sub-channels.
func (mux *Multiplexer) OnDidOpenChannel(fn func(OpenEvent)) event.Disposable {
	return mux.onDidOpenChannelEmitter.Event(fn)
}

// Open returns the sub-channel with the given id, creating it and notifying
// the remote if it does not exist yet. Opening an id that is already open
// returns the existing channel and sends nothing.
func (mux *Multiplexer) Open(id string) (channel.Channel, error) {
	mux.channelsM.Lock()
	if mux.IsDisposed() {
		mux.channelsM.Unlock()
		return nil, ErrMultiplexerDisposed
	}
	if existing, ok := mux.openChannels[id]; ok {
		mux.channelsM.Unlock()
		return existing, nil
	}
	fc := mux.makeChannel(id)
	mux.openChannels[id] = fc
	mux.channelsM.Unlock()

	err := writeHeader(mux.underlying.GetWriteBuffer(), Open, id).Commit()
	if err != nil {
		mux.forget(fc)
		fc.remoteClose(channel.CloseEvent{Reason: err.Error()}, nil)
		return nil, fmt.Errorf("sending open frame for channel %v: %w", id, err)
	}
	log.Tracef("channel %v opened", id)
	mux.onDidOpenChannelEmitter.Fire(OpenEvent{ID: id, Channel: fc})
	return fc, nil
}

// GetOpenChannel looks up an open sub-channel without side effects.
func (mux *Multiplexer) GetOpenChannel(id string) (channel.Channel, bool) {
	mux.channelsM.Lock()
	defer mux.channelsM.Unlock()
	fc, ok := mux.openChannels[id]
	if !ok {
		return nil, false
	}
	return fc, true
}

// OpenChannelIDs returns the ids of all open sub-channels, sorted.
func (mux *Multiplexer) OpenChannelIDs() []string {
	mux.channelsM.Lock()
	ids := make([]string, 0, len(mux.openChannels))
	for id := range mux.openChannels {
		ids = append(ids, id)
	}
	mux.channelsM.Unlock()
	sort.Strings(ids)
	return ids
}

// ChannelStats returns the traffic counters of an open sub-channel.
func (mux *Multiplexer) ChannelStats(id string) (ChannelStats, bool) {
	mux.channelsM.Lock()
	defer mux.channelsM.Unlock()
	fc, ok := mux.openChannels[id]
	if !ok {
		return ChannelStats{}, false
	}
	return fc.stats(), true
}

func (mux *Multiplexer) IsDisposed() bool {
	return atomic.LoadUint32(&mux.disposed) == 1
}

// Dispose stops listening to the underlying channel and closes every open
// sub-channel, notifying their listeners. The underlying channel itself is left
// to its owner.
func (mux *Multiplexer) Dispose() {
	mux.teardown(channel.CloseEvent{Reason: disposeReason})
}

func (mux *Multiplexer) teardown(e channel.CloseEvent) {
	mux.channelsM.Lock()
	if !atomic.CompareAndSwapUint32(&mux.disposed, 0, 1) {
		mux.channelsM.Unlock()
		return
	}
	channels := make([]*forwardingChannel, 0, len(mux.openChannels))
	for _, fc := range mux.openChannels {
		channels = append(channels, fc)
	}
	mux.openChannels = map[string]*forwardingChannel{}
	mux.channelsM.Unlock()

	log.Debugf("channel multiplexer closing %v sub-channels: %v", len(channels), e.Reason)
	for _, fc := range channels {
		fc := fc
		fc.remoteClose(e, func() { mux.reportClosed(fc) })
	}
	mux.toDispose.Dispose()
}

func (mux *Multiplexer) makeChannel(id string) *forwardingChannel {
	var fc *forwardingChannel
	fc = makeForwardingChannel(id,
		func() error { return mux.closeChannel(fc) },
		func() buffer.WriteBuffer { return mux.prepareWriteBuffer(fc) },
	)
	return fc
}

// forget removes fc from the open channels if it is still the entry for its id.
func (mux *Multiplexer) forget(fc *forwardingChannel) bool {
	mux.channelsM.Lock()
	defer mux.channelsM.Unlock()
	if current, ok := mux.openChannels[fc.id]; ok && current == fc {
		delete(mux.openChannels, fc.id)
		return true
	}
	return false
}

func (mux *Multiplexer) reportClosed(fc *forwardingChannel) {
	if mux.OnChannelClosed != nil {
		mux.OnChannelClosed(fc.stats())
	}
}

// closeChannel handles a local close of a sub-channel: drop it and tell the
// remote.
func (mux *Multiplexer) closeChannel(fc *forwardingChannel) error {
	if !mux.forget(fc) {
		return nil
	}
	mux.reportClosed(fc)
	log.Tracef("channel %v actively closed", fc.id)
	err := writeHeader(mux.underlying.GetWriteBuffer(), Close, fc.id).Commit()
	if err != nil {
		return fmt.Errorf("sending close frame for channel %v: %w", fc.id, err)
	}
	return nil
}

// prepareWriteBuffer returns an underlying write buffer with the Data header
// for fc already written. The caller appends the payload and commits.
func (mux *Multiplexer) prepareWriteBuffer(fc *forwardingChannel) buffer.WriteBuffer {
	if mux.IsDisposed() {
		return buffer.NewFailedWriter(ErrMultiplexerDisposed)
	}
	if fc.isClosed() {
		return buffer.NewFailedWriter(fmt.Errorf("channel %v: %w", fc.id, ErrChannelClosed))
	}
	return &dataWriter{
		wb: writeHeader(mux.underlying.GetWriteBuffer(), Data, fc.id),
		fc: fc,
	}
}

func (mux *Multiplexer) handleMessage(p channel.MessageProvider) {
	rb := p()
	header, err := readHeader(rb)
	if err != nil {
		log.Tracef("dropping malformed frame: %v", err)
		return
	}
	id := header.ChannelID

	switch header.Type {
	case AckOpen:
	case Open:
		mux.channelsM.Lock()
		if _, exists := mux.openChannels[id]; exists || mux.IsDisposed() {
			mux.channelsM.Unlock()
			return
		}
		fc := mux.makeChannel(id)
		mux.openChannels[id] = fc
		mux.channelsM.Unlock()

		log.Tracef("channel %v opened by remote", id)
		mux.onDidOpenChannelEmitter.Fire(OpenEvent{ID: id, Channel: fc})
	case Close:
		mux.channelsM.Lock()
		fc, exists := mux.openChannels[id]
		if exists {
			delete(mux.openChannels, id)
		}
		mux.channelsM.Unlock()
		if !exists {
			return
		}

		log.Tracef("channel %v passively closed", id)
		fc.remoteClose(channel.CloseEvent{Reason: remoteCloseReason}, func() { mux.reportClosed(fc) })
	case Data:
		payload := rb.Bytes()
		mux.channelsM.Lock()
		if mux.IsDisposed() {
			mux.channelsM.Unlock()
			return
		}
		fc, exists := mux.openChannels[id]
		if exists {
			mux.channelsM.Unlock()
			fc.deliver(payload)
			return
		}
		// The remote is sending on a channel we have not seen opened. Open it
		// here, and hold the payload back until listeners attached in reaction
		// to the open event are in place.
		fc = mux.makeChannel(id)
		fc.holdDeliveries(payload)
		mux.openChannels[id] = fc
		mux.channelsM.Unlock()

		log.Tracef("channel %v implicitly opened by data from remote", id)
		mux.onDidOpenChannelEmitter.Fire(OpenEvent{ID: id, Channel: fc})
		mux.Defer(fc.flushPending)
	default:
		log.Tracef("dropping frame of unknown type %v for channel %v", header.Type, id)
	}
}

func (mux *Multiplexer) handleUnderlyingClose(e channel.CloseEvent) {
	if e.Reason == "" {
		e.Reason = underlyingCloseReason
	}
	mux.teardown(e)
}

func (mux *Multiplexer) handleUnderlyingError(err error) {
	mux.channelsM.Lock()
	channels := make([]*forwardingChannel, 0, len(mux.openChannels))
	for _, fc := range mux.openChannels {
		channels = append(channels, fc)
	}
	mux.channelsM.Unlock()

	for _, fc := range channels {
		fc.FireError(err)
	}
}

package server

import (
	"strings"
	"sync"

	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/event"
	"github.com/cbeuw/chanmux/internal/multiplex"

	log "github.com/sirupsen/logrus"
)

// A Handler serves one sub-channel. It is called from within the channel's
// open notification, so listeners it attaches see the channel's first message.
type Handler func(id string, ch channel.Channel)

// Dispatcher routes channels opened by the remote to the handler registered
// for the longest matching channel id prefix.
type Dispatcher struct {
	routesM sync.RWMutex
	routes  map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: map[string]Handler{}}
}

func (d *Dispatcher) Handle(prefix string, h Handler) {
	d.routesM.Lock()
	d.routes[prefix] = h
	d.routesM.Unlock()
}

func (d *Dispatcher) route(id string) (Handler, bool) {
	d.routesM.RLock()
	defer d.routesM.RUnlock()
	var best string
	var h Handler
	found := false
	for prefix, handler := range d.routes {
		if strings.HasPrefix(id, prefix) && (!found || len(prefix) > len(best)) {
			best, h, found = prefix, handler, true
		}
	}
	return h, found
}

// Attach routes every channel opened on mux from now on. Channels without a
// route are closed.
func (d *Dispatcher) Attach(mux *multiplex.Multiplexer) event.Disposable {
	return mux.OnDidOpenChannel(func(e multiplex.OpenEvent) {
		h, ok := d.route(e.ID)
		if !ok {
			log.Warnf("no service for channel %v, closing it", e.ID)
			_ = e.Channel.Close()
			return
		}
		log.Tracef("routing channel %v", e.ID)
		h(e.ID, e.Channel)
	})
}

var services = map[string]Handler{
	"echo":    EchoService,
	"discard": DiscardService,
}

func LookupService(name string) (Handler, bool) {
	h, ok := services[name]
	return h, ok
}

// EchoService writes every message back on the channel it came from.
func EchoService(id string, ch channel.Channel) {
	ch.OnMessage(func(p channel.MessageProvider) {
		err := ch.GetWriteBuffer().WriteRaw(p().Bytes()).Commit()
		if err != nil {
			log.Debugf("echo on channel %v failed: %v", id, err)
		}
	})
}

// DiscardService drops everything it receives.
func DiscardService(id string, ch channel.Channel) {
	ch.OnMessage(func(channel.MessageProvider) {})
}

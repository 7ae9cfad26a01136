package server

import (
	"net"
	"net/http"
	"time"

	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/cbeuw/chanmux/internal/transport"

	log "github.com/sirupsen/logrus"
)

type startableChannel interface {
	channel.Channel
	Start()
}

// makeValve limits a session to the configured rates. A rate of 0 only counts.
func (sta *State) makeValve() transport.Valve {
	return transport.MakeValve(sta.RxRate, sta.TxRate)
}

// startSession puts a multiplexer over underlying, routes the channels the
// remote opens and starts reading.
func (sta *State) startSession(underlying startableChannel, valve transport.Valve, remoteAddr string) *Session {
	config := multiplex.Config{}
	if sta.Ledger != nil {
		config.OnChannelClosed = sta.Ledger.Recorder()
	}
	mux := multiplex.MakeMultiplexer(underlying, config)
	sesh := sta.Sessions.Add(&Session{
		RemoteAddr: remoteAddr,
		Started:    sta.WorldState.Now(),
		Mux:        mux,
		Underlying: underlying,
		Valve:      valve,
	})
	sta.Dispatcher.Attach(mux)
	underlying.OnClose(func(e channel.CloseEvent) {
		log.WithFields(log.Fields{
			"sessionID":  sesh.ID,
			"remoteAddr": remoteAddr,
			"reason":     e.Reason,
			"code":       e.Code,
		}).Info("Session closed")
		sta.Sessions.Remove(sesh.ID)
	})

	log.WithFields(log.Fields{
		"sessionID":  sesh.ID,
		"remoteAddr": remoteAddr,
	}).Info("New session")
	underlying.Start()
	return sesh
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}

// Serve accepts raw TCP connections carrying length-prefixed frames.
func Serve(l net.Listener, sta *State) {
	waitDur := [10]time.Duration{
		50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
		3 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}

	fails := 0
	for {
		conn, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Temporary() {
				log.Errorf("listener on %v stopped: %v", l.Addr(), err)
				return
			}
			log.Errorf("%v, retrying", err)
			time.Sleep(waitDur[fails])
			if fails < 9 {
				fails++
			}
			continue
		}
		fails = 0
		valve := sta.makeValve()
		underlying := transport.NewStreamChannel(conn, transport.StreamConfig{
			Valve:        valve,
			MaxFrameSize: sta.MaxFrameSize,
		})
		sta.startSession(underlying, valve, addrString(conn.RemoteAddr()))
	}
}

// WebSocketHandler upgrades requests to WebSocket sessions.
func (sta *State) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		valve := sta.makeValve()
		underlying, err := transport.AcceptWebSocket(w, r, valve)
		if err != nil {
			log.WithField("remoteAddr", r.RemoteAddr).Warnf("failed to upgrade to websocket: %v", err)
			return
		}
		sta.startSession(underlying, valve, r.RemoteAddr)
	})
}

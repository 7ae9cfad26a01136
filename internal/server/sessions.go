package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/cbeuw/chanmux/internal/transport"
)

// Session is one underlying connection and the multiplexer over it.
type Session struct {
	ID         uint32
	RemoteAddr string
	Started    time.Time

	Mux        *multiplex.Multiplexer
	Underlying channel.Channel
	Valve      transport.Valve
}

// SessionInfo is the admin view of a Session
type SessionInfo struct {
	ID         uint32
	RemoteAddr string
	Started    int64
	Channels   []string
	Rx         int64
	Tx         int64
}

func (sesh *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         sesh.ID,
		RemoteAddr: sesh.RemoteAddr,
		Started:    sesh.Started.Unix(),
		Channels:   sesh.Mux.OpenChannelIDs(),
		Rx:         sesh.Valve.GetRx(),
		Tx:         sesh.Valve.GetTx(),
	}
}

// Close closes the underlying channel and disposes the multiplexer.
func (sesh *Session) Close() error {
	err := sesh.Underlying.Close()
	sesh.Mux.Dispose()
	return err
}

type Sessions struct {
	// atomic
	nextID uint32

	sessionsM sync.RWMutex
	sessions  map[uint32]*Session
}

func NewSessions() *Sessions {
	return &Sessions{sessions: map[uint32]*Session{}}
}

func (s *Sessions) Add(sesh *Session) *Session {
	sesh.ID = atomic.AddUint32(&s.nextID, 1)
	s.sessionsM.Lock()
	s.sessions[sesh.ID] = sesh
	s.sessionsM.Unlock()
	return sesh
}

func (s *Sessions) Remove(id uint32) {
	s.sessionsM.Lock()
	delete(s.sessions, id)
	s.sessionsM.Unlock()
}

func (s *Sessions) Get(id uint32) (*Session, bool) {
	s.sessionsM.RLock()
	defer s.sessionsM.RUnlock()
	sesh, ok := s.sessions[id]
	return sesh, ok
}

func (s *Sessions) List() []SessionInfo {
	s.sessionsM.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sesh := range s.sessions {
		infos = append(infos, sesh.Info())
	}
	s.sessionsM.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseAll closes every session
func (s *Sessions) CloseAll() {
	s.sessionsM.Lock()
	sessions := s.sessions
	s.sessions = map[uint32]*Session{}
	s.sessionsM.Unlock()
	for _, sesh := range sessions {
		_ = sesh.Close()
	}
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"strings"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/cbeuw/chanmux/internal/server/usage"
)

const defaultWebSocketPath = "/mux"

type RawConfig struct {
	// BindAddr lists the TCP addresses that accept length-prefixed raw connections
	BindAddr []string
	// WebSocketAddr is the HTTP address that accepts WebSocket connections at WebSocketPath
	WebSocketAddr string
	WebSocketPath string
	// AdminAddr serves the admin API. Empty disables it
	AdminAddr string
	// DatabasePath is the bolt database holding the channel usage ledger. Empty disables it
	DatabasePath string
	// Services maps channel id prefixes to built-in service names
	Services map[string]string
	// RxRate and TxRate limit each session, in bytes per second. 0 is unlimited
	RxRate int64
	TxRate int64
	// MaxFrameSize is the largest frame accepted on raw TCP connections
	MaxFrameSize int
}

// State type stores the global state of the program
type State struct {
	BindAddr      []net.Addr
	WebSocketAddr string
	WebSocketPath string
	AdminAddr     string

	RxRate       int64
	TxRate       int64
	MaxFrameSize int

	WorldState common.WorldState

	Dispatcher *Dispatcher
	Sessions   *Sessions
	Ledger     *usage.Ledger
}

// ParseConfig reads a JSON config file
func ParseConfig(conf string) (raw RawConfig, err error) {
	content, err := ioutil.ReadFile(conf)
	if err != nil {
		return
	}
	err = json.Unmarshal(content, &raw)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

func parseServices(services map[string]string) (*Dispatcher, error) {
	d := NewDispatcher()
	for prefix, name := range services {
		h, ok := LookupService(name)
		if !ok {
			return nil, fmt.Errorf("unknown service %v for channel prefix %q", name, prefix)
		}
		d.Handle(prefix, h)
	}
	return d, nil
}

func InitState(raw RawConfig, worldState common.WorldState) (sta *State, err error) {
	sta = &State{
		WorldState:    worldState,
		WebSocketAddr: raw.WebSocketAddr,
		WebSocketPath: raw.WebSocketPath,
		AdminAddr:     raw.AdminAddr,
		RxRate:        raw.RxRate,
		TxRate:        raw.TxRate,
		MaxFrameSize:  raw.MaxFrameSize,
		Sessions:      NewSessions(),
	}
	if len(raw.BindAddr) == 0 && raw.WebSocketAddr == "" {
		return nil, errors.New("neither BindAddr nor WebSocketAddr is set")
	}
	if sta.WebSocketPath == "" {
		sta.WebSocketPath = defaultWebSocketPath
	}
	if !strings.HasPrefix(sta.WebSocketPath, "/") {
		sta.WebSocketPath = "/" + sta.WebSocketPath
	}

	sta.BindAddr, err = parseBindAddr(raw.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse BindAddr: %w", err)
	}

	sta.Dispatcher, err = parseServices(raw.Services)
	if err != nil {
		return nil, err
	}

	if raw.DatabasePath != "" {
		sta.Ledger, err = usage.MakeLedger(raw.DatabasePath, worldState)
		if err != nil {
			return nil, fmt.Errorf("unable to open usage database: %w", err)
		}
	}
	return sta, nil
}

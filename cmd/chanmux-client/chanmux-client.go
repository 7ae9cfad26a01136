package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/cbeuw/chanmux/internal/transport"
	log "github.com/sirupsen/logrus"
)

var version string

type startableChannel interface {
	channel.Channel
	Start()
}

func dial(remote string, valve transport.Valve) (startableChannel, error) {
	if strings.HasPrefix(remote, "ws://") || strings.HasPrefix(remote, "wss://") {
		ws, err := transport.DialWebSocket(remote, nil, valve)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
	conn, err := net.Dial("tcp", remote)
	if err != nil {
		return nil, err
	}
	return transport.NewStreamChannel(conn, transport.StreamConfig{Valve: valve}), nil
}

// pipe copies in both directions. Once local reaches EOF, data from the
// channel keeps flowing until the remote closes it or nothing has arrived
// for linger.
func pipe(local io.ReadWriteCloser, conn *channel.Conn, linger time.Duration) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = local.Close()
			_ = conn.Close()
		})
	}
	var localDone uint32
	go func() {
		_, err := io.Copy(conn, local)
		if err != nil {
			log.Debugf("copying to channel: %v", err)
			closeBoth()
			return
		}
		atomic.StoreUint32(&localDone, 1)
		_ = conn.SetReadDeadline(time.Now().Add(linger))
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := local.Write(buf[:n]); werr != nil {
				log.Debugf("copying from channel: %v", werr)
				break
			}
			if atomic.LoadUint32(&localDone) == 1 {
				_ = conn.SetReadDeadline(time.Now().Add(linger))
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("copying from channel: %v", err)
			}
			break
		}
	}
	closeBoth()
}

type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error                { return nil }

func main() {
	var remote, channelID, localAddr string
	var upRate, downRate int64
	var maxWriteUnit int
	var linger time.Duration

	flag.StringVar(&remote, "s", "", "server: host:port for raw TCP, or a ws:// or wss:// URL")
	flag.StringVar(&channelID, "c", "echo/1", "channel id to open")
	flag.StringVar(&localAddr, "l", "", "listen on this address and open one channel per accepted connection, instead of using stdin and stdout")
	flag.Int64Var(&upRate, "up", 0, "upload limit in bytes per second, 0 for unlimited")
	flag.Int64Var(&downRate, "down", 0, "download limit in bytes per second, 0 for unlimited")
	flag.IntVar(&maxWriteUnit, "unit", 16384, "largest payload carried by a single data frame")
	flag.DurationVar(&linger, "linger", 2*time.Second, "after local input ends, how long to wait for more data from the channel before closing it")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("chanmux-client %s", version)
		return
	}
	if *printUsage || remote == "" {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	valve := transport.MakeValve(downRate, upRate)

	underlying, err := dial(remote, valve)
	if err != nil {
		log.Fatalf("failed to connect to %v: %v", remote, err)
	}
	mux := multiplex.MakeMultiplexer(underlying, multiplex.Config{})
	underlying.OnClose(func(e channel.CloseEvent) {
		log.WithFields(log.Fields{
			"reason": e.Reason,
			"code":   e.Code,
		}).Info("Connection to server closed")
	})
	underlying.Start()

	if localAddr == "" {
		ch, err := mux.Open(channelID)
		if err != nil {
			log.Fatal(err)
		}
		pipe(stdio{}, channel.NewConn(ch, maxWriteUnit), linger)
		mux.Dispose()
		_ = underlying.Close()
		return
	}

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Listening on %v", listener.Addr())
	var n uint32
	for {
		local, err := listener.Accept()
		if err != nil {
			log.Fatal(err)
		}
		id := fmt.Sprintf("%v/%v", channelID, atomic.AddUint32(&n, 1))
		ch, err := mux.Open(id)
		if err != nil {
			log.Errorf("failed to open channel %v: %v", id, err)
			_ = local.Close()
			if mux.IsDisposed() {
				return
			}
			continue
		}
		log.Debugf("connection from %v on channel %v", local.RemoteAddr(), id)
		go pipe(local, channel.NewConn(ch, maxWriteUnit), linger)
	}
}

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/chanmux/internal/buffer"
	"github.com/cbeuw/chanmux/internal/channel"
	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

const closeGracePeriod = time.Second

// WebSocketChannel is a Channel over a WebSocket connection. One binary
// WebSocket message carries one frame.
type WebSocketChannel struct {
	channel.Base

	ws    *websocket.Conn
	valve Valve

	writeM sync.Mutex

	started uint32
	closed  uint32
}

func NewWebSocketChannel(ws *websocket.Conn, valve Valve) *WebSocketChannel {
	if valve == nil {
		valve = UNLIMITED_VALVE
	}
	return &WebSocketChannel{
		Base:  channel.MakeBase(),
		ws:    ws,
		valve: valve,
	}
}

// DialWebSocket connects to a WebSocket endpoint such as ws://host:port/path.
func DialWebSocket(url string, header http.Header, valve Valve) (*WebSocketChannel, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %v: %w", url, err)
	}
	return NewWebSocketChannel(ws, valve), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AcceptWebSocket upgrades an HTTP request to a WebSocketChannel.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, valve Valve) (*WebSocketChannel, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketChannel(ws, valve), nil
}

// Start begins reading messages. Listeners should be in place before it is
// called.
func (c *WebSocketChannel) Start() {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return
	}
	go c.readLoop()
}

func (c *WebSocketChannel) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketChannel) GetWriteBuffer() buffer.WriteBuffer {
	return buffer.NewWriter(c.writeFrame)
}

func (c *WebSocketChannel) writeFrame(frame []byte) error {
	if atomic.LoadUint32(&c.closed) == 1 {
		return ErrClosed
	}
	c.valve.txWait(len(frame))
	c.writeM.Lock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, frame)
	c.writeM.Unlock()
	if err != nil {
		return err
	}
	c.valve.AddTx(int64(len(frame)))
	return nil
}

func (c *WebSocketChannel) readLoop() {
	for {
		t, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if t != websocket.BinaryMessage {
			log.Tracef("ignoring non-binary websocket message of type %v", t)
			continue
		}
		c.valve.rxWait(len(data))
		c.valve.AddRx(int64(len(data)))
		c.FireMessage(channel.BytesProvider(data))
	}
}

func (c *WebSocketChannel) fail(err error) {
	if atomic.LoadUint32(&c.closed) == 1 {
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		log.Debugf("websocket to %v closed by peer: %v", c.ws.RemoteAddr(), closeErr)
		c.FireClose(channel.CloseEvent{Reason: closeErr.Text, Code: closeErr.Code})
	} else {
		log.Debugf("websocket to %v failed: %v", c.ws.RemoteAddr(), err)
		c.FireError(err)
		c.FireClose(channel.CloseEvent{Reason: err.Error(), Code: websocket.CloseAbnormalClosure})
	}
	_ = c.Close()
}

// Close sends a normal closure to the peer and closes the connection.
func (c *WebSocketChannel) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	_ = c.Base.Close()
	c.writeM.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	c.writeM.Unlock()
	return c.ws.Close()
}

// Package peer wraps a gorilla websocket with one reader loop and one writer goroutine so that actors can send to it
// without ever blocking on the network.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned when sending to a connection that has been closed.
	ErrClosed = errors.New("peer: connection closed")
	// ErrSlow is returned when the send buffer is full. The connection is closed when this happens.
	ErrSlow = errors.New("peer: send buffer full")
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type frame struct {
	messageType int
	data        []byte
}

// Conn is one websocket client.
type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan frame
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// IsUpgrade reports whether the request asks for a websocket.
func IsUpgrade(request *http.Request) bool {
	return websocket.IsWebSocketUpgrade(request)
}

// Upgrade upgrades the request and starts the writer goroutine. The upgrader has already answered the request when
// this fails.
func Upgrade(writer http.ResponseWriter, request *http.Request, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade: %w", err)
	}
	return New(ws, logger), nil
}

// New wraps an established websocket and gives it a fresh connection id.
func New(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	c := &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan frame, sendBuffer),
		closed: make(chan struct{}),
		logger: logger.With("conn", id),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string {
	return c.id
}

// SendText queues a text frame.
func (c *Conn) SendText(data []byte) error {
	return c.enqueue(websocket.TextMessage, data)
}

// SendBinary queues a binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *Conn) enqueue(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame{messageType: messageType, data: data}:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.Close()
		return ErrSlow
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				c.logger.Debug("failed to write message", "err", err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ReadLoop hands every inbound message to fn until the socket fails or fn returns an error. The connection is
// closed when it returns. A normal close by the client is not an error.
func (c *Conn) ReadLoop(fn func(messageType int, data []byte) error) error {
	defer c.Close()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if err := fn(mt, data); err != nil {
			return err
		}
	}
}

// Close closes the socket. It is safe to call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

package sview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 120 * time.Second

	writeWait = 5 * time.Second
)

// ErrClosed is returned by Receive once the socket is closed, locally or by
// a normal close from the remote side.
var ErrClosed = errors.New("sview: signaling connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type connOptions struct {
	pingInterval time.Duration
	pongWait     time.Duration
	header       http.Header
}

type connOption func(*connOptions)

// WithKeepalive sets how often pings are sent and how long a silent peer is
// tolerated. Only the server side of a connection pings.
func WithKeepalive(pingInterval, pongWait time.Duration) connOption {
	return func(o *connOptions) {
		o.pingInterval = pingInterval
		o.pongWait = pongWait
	}
}

// WithHeader adds headers to the dial request.
func WithHeader(header http.Header) connOption {
	return func(o *connOptions) {
		o.header = header
	}
}

// Conn carries signaling messages as JSON text frames over a websocket.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func buildConnOptions(opts []connOption) connOptions {
	o := connOptions{
		pingInterval: DefaultPingInterval,
		pongWait:     DefaultPongWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func Dial(ctx context.Context, url string, opts ...connOption) (*Conn, error) {
	o := buildConnOptions(opts)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, fmt.Errorf("sview: failed to dial %s: %w", url, err)
	}

	return newConn(ws), nil
}

func Upgrade(w http.ResponseWriter, r *http.Request, opts ...connOption) (*Conn, error) {
	o := buildConnOptions(opts)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("sview: failed to upgrade: %w", err)
	}

	c := newConn(ws)
	c.keepalive(o.pingInterval, o.pongWait)
	return c, nil
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, done: make(chan struct{})}
}

func (c *Conn) keepalive(pingInterval, pongWait time.Duration) {
	if pingInterval <= 0 {
		return
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Conn) Send(m Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sview: failed to send message: %w", err)
	}
	return nil
}

// Receive blocks for the next text frame. A frame that does not decode
// returns an error wrapping ErrInvalidMessage and leaves the connection
// usable.
func (c *Conn) Receive() (Message, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Message{}, ErrClosed
			}
			return Message{}, fmt.Errorf("sview: failed to read message: %w", err)
		}

		if mt != websocket.TextMessage {
			continue
		}

		return DecodeMessage(data)
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

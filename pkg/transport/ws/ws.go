// Package ws adapts a WebSocket connection to the transport contract. Each
// envelope travels as one binary frame: a format byte followed by the codec
// body.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/message/codec"
)

// Conn wraps an established WebSocket connection. Writes are serialized;
// reads happen on the single Bind goroutine, as gorilla requires.
type Conn struct {
	c      *websocket.Conn
	reg    *codec.Registry
	format message.Format
	wmu    sync.Mutex
	done   chan struct{}
	once   sync.Once
}

// New wraps an already established connection.
func New(c *websocket.Conn, reg *codec.Registry, format message.Format) *Conn {
	return &Conn{c: c, reg: reg, format: format, done: make(chan struct{})}
}

// Dial connects to a peer endpoint (ws:// or wss:// URL).
func Dial(ctx context.Context, url string, reg *codec.Registry, format message.Format) (*Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return New(c, reg, format), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking belongs to the embedding server, not this adapter.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts an inbound HTTP request as a WebSocket peer connection.
func Upgrade(w http.ResponseWriter, r *http.Request, reg *codec.Registry, format message.Format) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(c, reg, format), nil
}

func (c *Conn) Bind(deliver func(env *message.Envelope)) {
	go c.readLoop(deliver)
}

func (c *Conn) SendMessage(ctx context.Context, _ string, env *message.Envelope) error {
	frame, err := message.Encode(c.reg, c.format, env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.c.SetWriteDeadline(deadline)
		defer func() { _ = c.c.SetWriteDeadline(time.Time{}) }()
	}
	return c.c.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.c.Close()
	})
	return err
}

func (c *Conn) readLoop(deliver func(env *message.Envelope)) {
	for {
		_, frame, err := c.c.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					zap.L().Warn("ws: read failed", zap.Error(err))
				}
			}
			return
		}
		env, err := message.Decode(c.reg, frame)
		if err != nil {
			zap.L().Warn("ws: dropping undecodable frame", zap.Error(err))
			continue
		}
		deliver(env)
	}
}

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshroom/internal/protocol"
	"meshroom/pkg/retry"
	"meshroom/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrChannelClosed = errors.New("signaling channel closed")

// Handler consumes one inbound envelope. Handlers run on the read loop
// goroutine and must not block.
type Handler func(env protocol.Envelope)

// Channel is the client end of the signaling socket. Subscriptions are
// per-kind and return handles, so independent components (orchestrator,
// watchdog, chat UI) can listen to the same socket without displacing each
// other.
type Channel struct {
	url      string
	dialer   *websocket.Dialer
	retryCfg retry.Config

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool

	subMu sync.RWMutex
	subs  map[protocol.MessageKind]map[int]Handler
	next  int

	logger *zap.SugaredLogger
}

func NewChannel(url string, logger *zap.SugaredLogger) (*Channel, error) {
	if err := validation.ValidateURL(url); err != nil {
		return nil, err
	}
	return &Channel{
		url:      url,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		retryCfg: retry.DefaultConfig(),
		subs:     make(map[protocol.MessageKind]map[int]Handler),
		logger:   logger,
	}, nil
}

// Connect dials the server, retrying with backoff, and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := retry.RetryWithResult(ctx, c.retryCfg, func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		return conn, err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Subscribe registers a handler for one message kind and returns its
// unsubscribe handle.
func (c *Channel) Subscribe(kind protocol.MessageKind, fn Handler) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]Handler)
	}
	id := c.next
	c.next++
	c.subs[kind][id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs[kind], id)
	}
}

// Send marshals and writes one envelope.
func (c *Channel) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrChannelClosed
	}

	raw, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close tears the socket down. No reconnect follows.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Infow("signaling socket lost", "error", err)
				c.dispatchDisconnect()
			}
			return
		}

		env, err := protocol.Parse(raw)
		if err != nil {
			c.logger.Debugw("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(*env)
	}
}

func (c *Channel) dispatch(env protocol.Envelope) {
	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.subs[env.Type]))
	for _, fn := range c.subs[env.Type] {
		handlers = append(handlers, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// DisconnectKind is a synthetic kind dispatched when the socket drops so
// subscribers can trigger reconnect flows. It never travels on the wire.
const DisconnectKind protocol.MessageKind = "__DISCONNECT__"

func (c *Channel) dispatchDisconnect() {
	c.dispatch(protocol.Envelope{Type: DisconnectKind})
}

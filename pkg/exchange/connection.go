package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ConnState is the upstream WebSocket connection's current lifecycle state.
type ConnState int32

// Connection lifecycle states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Connection manages the single upstream market-data WebSocket connection
// for one venue/market combination (e.g. Binance spot). It owns reconnect
// with exponential backoff — the same 1s-to-30s-capped schedule
// pkg/events.NotifyListener uses for its LISTEN connection, applied here to
// the upstream leg of the adapter instead of the database leg.
type Connection struct {
	url string

	conn   *websocket.Conn
	connMu sync.Mutex

	state atomic.Int32

	onMessage func(data []byte)
	// onReconnect fires once a fresh connection replaces a lost one, so the
	// Reconciler can resubscribe every currently-desired key from scratch —
	// an upstream WS session remembers no state across a reconnect.
	onReconnect func()

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewConnection creates a Connection for the given upstream WebSocket URL.
func NewConnection(url string, onMessage func(data []byte)) *Connection {
	return &Connection{url: url, onMessage: onMessage}
}

// OnReconnect registers a callback invoked after a reconnect completes.
func (c *Connection) OnReconnect(fn func()) {
	c.onReconnect = fn
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Start dials the upstream connection and begins the read loop, retrying
// with backoff until ctx is cancelled.
func (c *Connection) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	go func() {
		defer close(c.loopDone)
		c.run(loopCtx)
	}()
}

// Stop tears down the connection and waits for the read loop to exit.
func (c *Connection) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.loopDone != nil {
		<-c.loopDone
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
}

// Send writes a JSON frame upstream (a subscribe/unsubscribe control
// message). Safe to call concurrently with itself — coder/websocket
// serializes concurrent writers internally.
func (c *Connection) Send(ctx context.Context, v interface{}) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return context.Canceled
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Connection) run(ctx context.Context) {
	first := true
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		c.state.Store(int32(StateConnecting))
		if !first {
			c.state.Store(int32(StateReconnecting))
		}

		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			slog.Error("upstream dial failed", "url", c.url, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.state.Store(int32(StateConnected))
		backoff = time.Second

		if !first && c.onReconnect != nil {
			c.onReconnect()
		}
		first = false

		slog.Info("upstream connection established", "url", c.url)
		c.readLoop(ctx, conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.state.Store(int32(StateDisconnected))
	}
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("upstream connection lost", "url", c.url, "error", err)
			return
		}
		c.onMessage(data)
	}
}

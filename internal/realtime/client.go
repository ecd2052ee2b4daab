package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quickaudit/fieldsync/internal/apperr"
	"github.com/quickaudit/fieldsync/internal/metrics"
)

// State is the channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Listener receives the payload of a dispatched event.
type Listener func(payload json.RawMessage)

// TokenProvider supplies the credential attached at connect time.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ClientConfig configures the agent-side realtime channel.
type ClientConfig struct {
	URL                  string // ws:// or wss:// endpoint
	Tokens               TokenProvider
	ReconnectDelay       time.Duration // base delay, doubled per consecutive failure
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	Logger               *slog.Logger
}

// Client is the agent side of the realtime channel. It moves through
// disconnected -> connecting -> connected, falls back to disconnected on
// error or close, and reconnects with doubling backoff until the attempt
// budget is exhausted.
type Client struct {
	cfg     ClientConfig
	backoff *Backoff

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	listeners map[string][]Listener
}

// NewClient creates a realtime client. Defaults: 1s base delay, 60s cap,
// 5 reconnect attempts.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = time.Minute
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		backoff:   NewBackoff(cfg.ReconnectDelay, cfg.MaxReconnectDelay),
		state:     StateDisconnected,
		listeners: make(map[string][]Listener),
	}
}

// On registers a listener for an event type. Listeners for the same type
// are invoked in registration order.
func (c *Client) On(eventType string, fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[eventType] = append(c.listeners[eventType], fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Emit sends an entity-change notification to the server. Only valid while
// connected: the channel never buffers outbound messages, callers rely on
// the sync queue for guaranteed delivery.
func (c *Client) Emit(eventType string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return apperr.New(apperr.ErrChannelNotConnected, "realtime channel is not connected")
	}

	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to build envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperr.Wrap(apperr.ErrChannelClosed, "realtime write failed", err)
	}
	return nil
}

// Run connects and serves the channel until ctx is cancelled or the
// reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			metrics.RealtimeReconnects.Inc()
			if c.backoff.Attempts() >= c.cfg.MaxReconnectAttempts {
				c.cfg.Logger.Error("realtime channel giving up",
					"attempts", c.backoff.Attempts(), "error", err)
				return apperr.Wrap(apperr.ErrChannelClosed, "max reconnect attempts reached", err)
			}
			delay := c.backoff.Next()
			c.cfg.Logger.Warn("realtime connect failed, backing off",
				"delay", delay, "attempt", c.backoff.Attempts(), "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		c.backoff.Reset()
		c.cfg.Logger.Info("realtime channel connected", "url", c.cfg.URL)

		// Serve the connection until it drops, then loop back to reconnect.
		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain channel token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, header)
	return conn, err
}

// readLoop dispatches inbound envelopes to registered listeners until the
// connection errors or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.cfg.Logger.Warn("realtime channel dropped", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.cfg.Logger.Warn("invalid realtime message", "error", err)
			continue
		}

		c.mu.Lock()
		listeners := append([]Listener(nil), c.listeners[env.Type]...)
		c.mu.Unlock()

		for _, fn := range listeners {
			fn(env.Payload)
		}
	}
}

package push

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	pingAfter        = 10 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// readLimit caps inbound frames. Push payloads are small JSON; the
	// largest carry a full cookie set.
	readLimit = 1024 * 1024
)

// Handler receives decoded events for one account, in arrival order.
type Handler func(Event)

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc establishes a websocket connection to the push host.
type DialFunc func(ctx context.Context) (wsConn, error)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Client multiplexes one shared websocket across per-account
// subscriptions. The connection is dialed lazily on the first subscribe
// and torn down when the last subscription goes away. The backend
// broadcasts every account's events on the channel; filtering to the
// subscribed accounts happens here.
//
// Architecture: a reader goroutine feeds raw frames to the connection
// loop, which decodes them and forwards events to a single dispatch
// goroutine. Single-threaded dispatch preserves per-account ordering.
type Client struct {
	logger *slog.Logger
	dial   DialFunc

	mu       sync.Mutex
	handlers map[string][]Handler
	conn     wsConn
	cancel   context.CancelFunc
	running  bool
	events   chan Event
}

// NewClient creates a push client for the given host. The host may be a
// bare hostname (dialed as wss://) or a full ws:// / wss:// URL.
func NewClient(host string, logger *slog.Logger) *Client {
	return &Client{
		logger:   logger,
		dial:     defaultDial(host),
		handlers: make(map[string][]Handler),
	}
}

func defaultDial(host string) DialFunc {
	url := host
	if !strings.Contains(url, "://") {
		url = "wss://" + url
	}

	return func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing push host: %w", err)
		}

		conn.SetReadLimit(readLimit)

		return conn, nil
	}
}

// Subscribe registers a handler for an account's events. Returns false
// when the push channel cannot be established, in which case the caller
// should fall back to polling. Multiple handlers per account are
// invoked in registration order.
func (c *Client) Subscribe(ctx context.Context, accountID string, handler Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("push channel unavailable",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)

			return false
		}

		runCtx, cancel := context.WithCancel(context.Background())
		c.conn = conn
		c.cancel = cancel
		c.running = true
		c.events = make(chan Event, 64)

		go c.dispatchLoop(runCtx, c.events)
		go c.connLoop(runCtx, conn, c.events)

		c.logger.Info("push channel established")
	}

	c.handlers[accountID] = append(c.handlers[accountID], handler)

	return true
}

// Unsubscribe removes all handlers for an account. The connection is
// closed when no subscriptions remain.
func (c *Client) Unsubscribe(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[accountID]; !ok {
		return
	}

	delete(c.handlers, accountID)

	if len(c.handlers) == 0 {
		c.teardownLocked()
	}
}

// UnsubscribeAll removes every handler and closes the connection.
func (c *Client) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = make(map[string][]Handler)
	c.teardownLocked()
}

// SubscriptionCount returns the number of subscribed accounts.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.handlers)
}

// teardownLocked stops the connection goroutines. Callers hold c.mu.
func (c *Client) teardownLocked() {
	if !c.running {
		return
	}

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "no subscriptions")
	c.conn = nil
	c.running = false

	c.logger.Info("push channel closed")
}

// connLoop owns the connection lifecycle: it runs the read loop and
// reconnects with exponential backoff and jitter when it fails.
func (c *Client) connLoop(ctx context.Context, conn wsConn, events chan<- Event) {
	backoff := reconnectMin

	for {
		err := c.readLoop(ctx, conn, events)
		conn.Close(websocket.StatusNormalClosure, "read loop done")

		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("push connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		newConn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.logger.Warn("push reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)

			continue
		}

		conn = newConn
		c.mu.Lock()
		if c.running {
			c.conn = conn
		}
		c.mu.Unlock()

		backoff = reconnectMin
		c.logger.Info("push channel reconnected")
	}
}

// readLoop reads frames from one connection until it fails, decoding
// events and forwarding them to the dispatch channel. Sends a ping when
// the connection has been quiet too long.
func (c *Client) readLoop(ctx context.Context, conn wsConn, events chan<- Event) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundMsg, 64)
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	lastMessage := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			ev, err := DecodeEvent(msg.data)
			if err != nil {
				c.logger.Debug("undecodable push frame", slog.String("error", err.Error()))
				continue
			}

			if ev == nil {
				continue
			}

			select {
			case events <- *ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-ticker.C:
			if time.Since(lastMessage) > pingAfter {
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"ping"}`)); err != nil {
					return fmt.Errorf("writing ping: %w", err)
				}
			}
		}
	}
}

// dispatchLoop delivers events to handlers one at a time.
func (c *Client) dispatchLoop(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-events:
			c.mu.Lock()
			hs := append([]Handler(nil), c.handlers[ev.AccountID]...)
			c.mu.Unlock()

			if len(hs) == 0 {
				c.logger.Debug("push event for unsubscribed account",
					slog.String("account_id", ev.AccountID))
				continue
			}

			for _, h := range hs {
				h(ev)
			}
		}
	}
}

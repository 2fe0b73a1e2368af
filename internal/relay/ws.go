package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/net/websocket"
)

// WSClient is a Transport over a websocket connection to the relay
// server. Envelopes are JSON; the relay forwards them without inspecting
// e2ee payloads.
type WSClient struct {
	channel string
	userID  string
	conn    *websocket.Conn
	cancel  context.CancelFunc

	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	closed   bool
}

// DialWS connects a user to a channel on the relay at serverURL
// (for example ws://relay:8080/ws).
func DialWS(ctx context.Context, serverURL, channel, userID string) (*WSClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url %q: %w", serverURL, err)
	}
	q := u.Query()
	q.Set("channel", channel)
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	origin := "http://" + u.Host
	conn, err := websocket.Dial(u.String(), "", origin)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %q: %w", u.Host, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		channel:  channel,
		userID:   userID,
		conn:     conn,
		cancel:   cancel,
		handlers: make(map[string]map[string]Handler),
	}
	go c.readLoop(ctx)
	return c, nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		var env Envelope
		if err := websocket.JSON.Receive(c.conn, &env); err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				slog.DebugContext(ctx, "relay: connection lost", slog.String("error", err.Error()))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.dispatch(ctx, env)
	}
}

func (c *WSClient) dispatch(ctx context.Context, env Envelope) {
	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(ctx, env)
	}
}

// Send implements Transport.
func (c *WSClient) Send(_ context.Context, env Envelope) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("relay: client for %q is closed", c.userID)
	}
	if env.ID == "" {
		env.ID = xid.New().String()
	}
	if env.Channel == "" {
		env.Channel = c.channel
	}
	if env.From == "" {
		env.From = c.userID
	}
	return websocket.JSON.Send(c.conn, env)
}

// OnMessage implements Transport.
func (c *WSClient) OnMessage(msgType string, h Handler) func() {
	id := xid.New().String()
	c.mu.Lock()
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[string]Handler)
	}
	c.handlers[msgType][id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if m := c.handlers[msgType]; m != nil {
			delete(m, id)
		}
		c.mu.Unlock()
	}
}

// Close implements Transport.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close()
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/xid"
)

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// Hub is an in-process relay used by tests and single-process setups. It
// routes envelopes between attached clients exactly like the networked
// relay: by channel, with broadcast or per-user addressing. A drop filter
// lets adversarial tests simulate lossy or censoring relays.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*MemoryClient // channel -> userID -> client
	drop    func(Envelope) bool
}

// NewHub creates an empty in-process relay.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[string]*MemoryClient)}
}

// SetDropFilter installs a predicate; envelopes it matches are silently
// discarded, as an untrusted relay might do.
func (h *Hub) SetDropFilter(fn func(Envelope) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Attach connects a user to a channel and returns their transport.
func (h *Hub) Attach(channel, userID string) *MemoryClient {
	c := &MemoryClient{
		hub:      h,
		channel:  channel,
		userID:   userID,
		handlers: make(map[string]map[string]Handler),
	}
	h.mu.Lock()
	if h.clients[channel] == nil {
		h.clients[channel] = make(map[string]*MemoryClient)
	}
	h.clients[channel][userID] = c
	h.mu.Unlock()
	return c
}

// Detach disconnects a user and broadcasts member_left to the remaining
// channel members, mirroring the networked relay's disconnect handling.
func (h *Hub) Detach(channel, userID string) {
	h.mu.Lock()
	if m := h.clients[channel]; m != nil {
		delete(m, userID)
	}
	h.mu.Unlock()

	h.route(context.Background(), Envelope{
		ID:      xid.New().String(),
		Type:    MsgTypeMemberLeft,
		Channel: channel,
		From:    userID,
		Payload: mustJSON(MemberLeft{UserID: userID}),
	})
}

func (h *Hub) route(ctx context.Context, env Envelope) {
	h.mu.RLock()
	drop := h.drop
	var targets []*MemoryClient
	for id, c := range h.clients[env.Channel] {
		if id == env.From {
			continue
		}
		if env.To != "" && id != env.To {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if drop != nil && drop(env) {
		return
	}
	for _, c := range targets {
		c.deliver(ctx, env)
	}
}

// MemoryClient is the per-user Transport handed out by a Hub.
type MemoryClient struct {
	hub     *Hub
	channel string
	userID  string

	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	closed   bool
}

// Send implements Transport.
func (c *MemoryClient) Send(ctx context.Context, env Envelope) error {
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
	c.hub.route(ctx, env)
	return nil
}

// OnMessage implements Transport.
func (c *MemoryClient) OnMessage(msgType string, h Handler) func() {
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

// Close implements Transport and notifies remaining members.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.Detach(c.channel, c.userID)
	return nil
}

func (c *MemoryClient) deliver(ctx context.Context, env Envelope) {
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

// Package relay defines the transport the E2EE core uses to reach peers.
// The relay is honest-but-curious: it delivers opaque envelopes and may
// drop, delay or reorder them, but it never holds key material and cannot
// forge message signatures.
package relay

import (
	"context"
	"encoding/json"
)

// Envelope types understood by the relay. Payloads of type e2ee are opaque
// to the relay; the rest is membership bookkeeping.
const (
	MsgTypeE2EE       = "e2ee"
	MsgTypeMemberLeft = "member_left"
	MsgTypeFrame      = "frame"
)

// Envelope is the addressed wire unit the relay forwards. An empty To
// broadcasts to every other member of the channel.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MemberLeft is the payload of a member_left envelope.
type MemberLeft struct {
	UserID string `json:"user_id"`
}

// Handler receives envelopes of a subscribed type.
type Handler func(ctx context.Context, env Envelope)

// Transport delivers envelopes between channel members.
type Transport interface {
	// Send forwards an envelope to its addressee(s).
	Send(ctx context.Context, env Envelope) error
	// OnMessage registers a handler for a message type and returns an
	// unsubscribe func.
	OnMessage(msgType string, h Handler) func()
	// Close detaches from the relay.
	Close() error
}

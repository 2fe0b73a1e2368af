package keyexchange

import (
	"encoding/binary"
	"fmt"
)

// MessageKind discriminates the closed set of key-exchange payloads.
type MessageKind string

const (
	KindAnnounce   MessageKind = "public_key_announce"
	KindChannelKey MessageKind = "encrypted_channel_key"
	KindRatchet    MessageKind = "key_ratchet"
)

// RatchetReason explains why the holder advanced the key.
type RatchetReason string

const ReasonMemberLeft RatchetReason = "member_left"

// Message is a key-exchange payload. Kind selects which fields are
// meaningful; IdentityKey and Signature are common to all kinds, and a
// message without a valid signature is discarded before any state change.
type Message struct {
	Kind MessageKind `json:"kind"`

	// KindAnnounce: the sender's session-scoped X25519 agreement key.
	AgreementKey []byte `json:"agreement_key,omitempty"`

	// KindChannelKey: the channel key wrapped for one recipient.
	TargetUserID       string `json:"target_user_id,omitempty"`
	WrappedKey         []byte `json:"wrapped_key,omitempty"`
	SenderAgreementKey []byte `json:"sender_agreement_key,omitempty"`

	// Epoch of the key the message concerns. Announces carry the
	// sender's current epoch (zero for a fresh joiner) so a newly
	// elected holder generates its first key above every epoch already
	// live in the channel.
	Epoch uint64 `json:"epoch,omitempty"`

	// KindRatchet. No key bytes travel: every holder of the current key
	// derives the successor locally.
	Reason RatchetReason `json:"reason,omitempty"`

	IdentityKey []byte `json:"identity_key"`
	Signature   []byte `json:"signature,omitempty"`
}

// Validate rejects structurally invalid messages with typed errors, so
// missing fields surface as decode failures instead of silent zero values.
func (m *Message) Validate() error {
	if len(m.IdentityKey) == 0 {
		return fmt.Errorf("keyexchange: %s message without identity key", m.Kind)
	}
	switch m.Kind {
	case KindAnnounce:
		if len(m.AgreementKey) != 32 {
			return fmt.Errorf("keyexchange: announce with %d-byte agreement key, want 32", len(m.AgreementKey))
		}
	case KindChannelKey:
		if m.TargetUserID == "" {
			return fmt.Errorf("keyexchange: channel key without target user")
		}
		if len(m.SenderAgreementKey) != 32 {
			return fmt.Errorf("keyexchange: channel key with %d-byte sender agreement key, want 32", len(m.SenderAgreementKey))
		}
		if len(m.WrappedKey) == 0 {
			return fmt.Errorf("keyexchange: channel key without wrapped key")
		}
		if m.Epoch == 0 {
			return fmt.Errorf("keyexchange: channel key with epoch 0")
		}
	case KindRatchet:
		if m.Epoch == 0 {
			return fmt.Errorf("keyexchange: ratchet with epoch 0")
		}
	default:
		return fmt.Errorf("keyexchange: unknown message kind %q", m.Kind)
	}
	return nil
}

// signable returns the canonical byte encoding the signature covers:
// every field except the signature itself, length-prefixed so no two
// distinct messages share an encoding.
func (m *Message) signable() []byte {
	var buf []byte
	appendField := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		buf = append(buf, l[:]...)
		buf = append(buf, b...)
	}
	appendField([]byte(m.Kind))
	appendField(m.AgreementKey)
	appendField([]byte(m.TargetUserID))
	appendField(m.WrappedKey)
	appendField(m.SenderAgreementKey)
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], m.Epoch)
	appendField(epoch[:])
	appendField([]byte(m.Reason))
	appendField(m.IdentityKey)
	return buf
}

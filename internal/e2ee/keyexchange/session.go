package keyexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/quietwire/quietwire/internal/e2ee/identity"
	"github.com/quietwire/quietwire/internal/e2ee/trust"
	"github.com/quietwire/quietwire/internal/relay"
)

// DefaultKeyTimeout bounds how long AwaitKey blocks before the caller
// must abort pipeline setup.
const DefaultKeyTimeout = 10 * time.Second

// PeerRecord tracks a verified peer: their pinned long-term identity key
// and their session-scoped agreement key.
type PeerRecord struct {
	UserID       string
	IdentityKey  []byte
	AgreementKey []byte
}

// Config identifies the local member and channel.
type Config struct {
	ServerID   string
	UserID     string
	Channel    string
	KeyTimeout time.Duration
}

// KeyObserver is called on every channel key change. A nil key means the
// key was cleared and frame processing must fail closed.
type KeyObserver func(key []byte, epoch uint64)

type outbound struct {
	to  string
	msg *Message
}

// Session owns the E2EE state of one joined channel: the session-scoped
// agreement keypair, verified peer records, the current channel key and
// epoch, and holder election. It is created on join and must be Reset on
// leave. All state is mutated by this session only, in response to
// verified inbound messages and local lifecycle events.
type Session struct {
	cfg       Config
	ids       *identity.Store
	pins      trust.Store
	transport relay.Transport

	mu        sync.Mutex
	agreePriv [32]byte
	agreePub  [32]byte
	peers     map[string]*PeerRecord
	key       []byte
	epoch     uint64
	holder    bool
	holderID  string
	closed    bool

	// Highest epoch observed in any verified message. A member that
	// wins an election late must key above this, not above its own
	// epoch, or established members discard its key as stale.
	maxSeenEpoch uint64

	// Latest key message per sender that was valid except that its
	// sender was not yet the elected holder. A later re-election may
	// make it applicable; see applyChannelKeyLocked.
	pendingKeys map[string]*Message

	keyReady  chan struct{}
	readyOnce sync.Once

	subMu sync.RWMutex
	subs  map[string]KeyObserver

	unsubs []func()
}

// NewSession creates a channel session, generates its agreement keypair
// and subscribes to the transport. Call Join to start key agreement.
func NewSession(cfg Config, ids *identity.Store, pins trust.Store, transport relay.Transport) (*Session, error) {
	if cfg.KeyTimeout <= 0 {
		cfg.KeyTimeout = DefaultKeyTimeout
	}
	priv, pub, err := generateAgreementKeypair()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generate agreement keypair: %w", err)
	}

	s := &Session{
		cfg:         cfg,
		ids:         ids,
		pins:        pins,
		transport:   transport,
		agreePriv:   priv,
		agreePub:    pub,
		peers:       make(map[string]*PeerRecord),
		pendingKeys: make(map[string]*Message),
		keyReady:    make(chan struct{}),
		subs:        make(map[string]KeyObserver),
	}
	s.unsubs = append(s.unsubs,
		transport.OnMessage(relay.MsgTypeE2EE, s.handleEnvelope),
		transport.OnMessage(relay.MsgTypeMemberLeft, s.handleMemberLeftEnvelope),
	)
	return s, nil
}

// Join broadcasts the local identity announcement and runs the first
// election. A member alone in the channel elects itself and generates the
// initial key immediately.
func (s *Session) Join(ctx context.Context) error {
	if err := s.AnnounceIdentity(ctx, ""); err != nil {
		return err
	}

	var (
		out    []outbound
		notify bool
	)
	s.mu.Lock()
	if !s.closed {
		s.reelectLocked(ctx, &out, &notify)
	}
	s.mu.Unlock()

	s.flush(ctx, out, notify)
	return nil
}

// AnnounceIdentity sends a signed PublicKeyAnnounce, broadcast when
// targetUserID is empty, otherwise addressed to one peer (used to answer
// a newcomer's broadcast).
func (s *Session) AnnounceIdentity(ctx context.Context, targetUserID string) error {
	s.mu.Lock()
	closed := s.closed
	agreePub := append([]byte(nil), s.agreePub[:]...)
	epoch := s.epoch
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	return s.send(ctx, targetUserID, &Message{
		Kind:         KindAnnounce,
		AgreementKey: agreePub,
		Epoch:        epoch,
	})
}

// CurrentKey returns a copy of the current channel key, or nil if none is
// established.
func (s *Session) CurrentKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil
	}
	return append([]byte(nil), s.key...)
}

// Epoch returns the current key epoch. Epochs never decrease within a
// session.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// IsHolder reports whether the local member currently holds the channel
// key generation role.
func (s *Session) IsHolder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}

// HolderID returns the userID of the currently accepted holder.
func (s *Session) HolderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holderID
}

// Members returns the known member set, local user included.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers)+1)
	out = append(out, s.cfg.UserID)
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// OnKeyChanged registers an observer for key pushes and returns an
// unsubscribe func. If a key is already established the observer is
// called immediately, so transforms attached late still receive it.
func (s *Session) OnKeyChanged(fn KeyObserver) func() {
	id := xid.New().String()
	s.subMu.Lock()
	s.subs[id] = fn
	s.subMu.Unlock()

	s.mu.Lock()
	key := s.key
	if key != nil {
		key = append([]byte(nil), key...)
	}
	epoch := s.epoch
	s.mu.Unlock()
	if key != nil {
		fn(key, epoch)
	}

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// AwaitKey blocks until a channel key is established, the context is
// cancelled, or the configured timeout passes. On ErrKeyTimeout the
// caller must abort media pipeline setup rather than proceed unencrypted.
func (s *Session) AwaitKey(ctx context.Context) error {
	select {
	case <-s.keyReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.KeyTimeout):
		return ErrKeyTimeout
	}
}

// OnMemberLeft removes a departed member. If the local member holds the
// key it ratchets unconditionally, so the departed member cannot decrypt
// frames from the new epoch, and broadcasts the advance instruction; no
// key bytes travel because every current key holder derives the successor
// locally. If the departed member was the holder, a re-election runs.
func (s *Session) OnMemberLeft(ctx context.Context, userID string) {
	var (
		out    []outbound
		notify bool
	)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, known := s.peers[userID]; !known {
		s.mu.Unlock()
		return
	}
	delete(s.peers, userID)
	delete(s.pendingKeys, userID)

	if s.holder && s.key != nil {
		next := Ratchet(s.key)
		wipe(s.key)
		s.key = next
		s.epoch++
		notify = true
		out = append(out, outbound{msg: &Message{
			Kind:   KindRatchet,
			Epoch:  s.epoch,
			Reason: ReasonMemberLeft,
		}})
	} else {
		s.reelectLocked(ctx, &out, &notify)
	}
	s.mu.Unlock()

	s.flush(ctx, out, notify)
}

// Reset tears the session down: the channel key is cleared synchronously,
// observers are told to fail closed, and transport subscriptions are
// dropped. The session cannot be reused afterwards.
func (s *Session) Reset() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.key != nil {
		wipe(s.key)
		s.key = nil
	}
	wipe(s.agreePriv[:])
	s.peers = make(map[string]*PeerRecord)
	s.pendingKeys = make(map[string]*Message)
	s.holder = false
	s.holderID = ""
	epoch := s.epoch
	s.mu.Unlock()

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.pushKey(nil, epoch)
}

// reelectLocked recomputes the holder from the current candidate set and,
// when the local member newly wins, generates and distributes a fresh
// key. Re-running with an unchanged candidate set is idempotent.
func (s *Session) reelectLocked(ctx context.Context, out *[]outbound, notify *bool) {
	elected, ok := s.electedLocked(ctx)
	if !ok {
		return
	}
	if elected == s.cfg.UserID {
		if !s.holder {
			s.becomeHolderLocked(ctx, out, notify)
		}
		return
	}
	s.holder = false
	s.holderID = elected

	// A key this sender distributed before we recognized them may now
	// be applicable.
	if msg, ok := s.pendingKeys[elected]; ok && msg.Epoch >= s.epoch {
		s.adoptChannelKeyLocked(ctx, elected, msg, notify)
	}
}

// electedLocked computes the holder from the local view of the candidate
// set.
func (s *Session) electedLocked(ctx context.Context) (string, bool) {
	localPub, err := s.ids.PublicKey()
	if err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: local identity unavailable, skipping election")
		return "", false
	}
	candidates := make(map[string][]byte, len(s.peers)+1)
	candidates[s.cfg.UserID] = localPub
	for id, p := range s.peers {
		candidates[id] = p.IdentityKey
	}
	return ElectHolder(candidates)
}

// becomeHolderLocked transitions to holder: fresh random key, an epoch
// above every epoch seen on the wire, and one wrapped copy per known
// peer. Keying above maxSeenEpoch matters when this member joined a
// channel that was already several epochs in: a key at a lower epoch
// would be discarded as stale by every established member.
func (s *Session) becomeHolderLocked(ctx context.Context, out *[]outbound, notify *bool) {
	key, err := newChannelKey()
	if err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: cannot generate channel key")
		return
	}
	if s.key != nil {
		wipe(s.key)
	}
	s.key = key
	next := s.epoch
	if s.maxSeenEpoch > next {
		next = s.maxSeenEpoch
	}
	s.epoch = next + 1
	s.holder = true
	s.holderID = s.cfg.UserID
	*notify = true

	for id, peer := range s.peers {
		if msg, err := s.wrapForLocked(peer); err == nil {
			*out = append(*out, outbound{to: id, msg: msg})
		} else {
			util.Log(ctx).WithError(err).Error("keyexchange: cannot wrap channel key for peer")
		}
	}
}

// wrapForLocked builds an EncryptedChannelKey for one peer under the
// current key and epoch.
func (s *Session) wrapForLocked(peer *PeerRecord) (*Message, error) {
	if len(peer.AgreementKey) == 0 {
		return nil, fmt.Errorf("keyexchange: no agreement key for %q", peer.UserID)
	}
	wrapped, err := wrapChannelKey(s.agreePriv, peer.AgreementKey, s.key)
	if err != nil {
		return nil, err
	}
	return &Message{
		Kind:               KindChannelKey,
		TargetUserID:       peer.UserID,
		WrappedKey:         wrapped,
		SenderAgreementKey: append([]byte(nil), s.agreePub[:]...),
		Epoch:              s.epoch,
	}, nil
}

func (s *Session) handleEnvelope(ctx context.Context, env relay.Envelope) {
	if env.From == s.cfg.UserID {
		return
	}
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: undecodable message discarded")
		return
	}
	if err := msg.Validate(); err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: invalid message discarded")
		return
	}
	if err := s.verify(ctx, env.From, &msg); err != nil {
		return
	}

	var (
		out    []outbound
		notify bool
	)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if msg.Epoch > s.maxSeenEpoch {
		s.maxSeenEpoch = msg.Epoch
	}
	switch msg.Kind {
	case KindAnnounce:
		s.applyAnnounceLocked(ctx, env, &msg, &out, &notify)
	case KindChannelKey:
		s.applyChannelKeyLocked(ctx, env.From, &msg, &notify)
	case KindRatchet:
		s.applyRatchetLocked(ctx, env.From, &msg, &notify)
	}
	s.mu.Unlock()

	s.flush(ctx, out, notify)
}

// verify enforces signature and trust checks before any state mutation.
func (s *Session) verify(ctx context.Context, from string, msg *Message) error {
	if len(msg.Signature) == 0 {
		util.Log(ctx).WithError(ErrUnsignedMessage).Error("keyexchange: message discarded")
		return ErrUnsignedMessage
	}
	if !identity.Verify(msg.signable(), msg.Signature, msg.IdentityKey) {
		util.Log(ctx).WithError(ErrInvalidSignature).Error("keyexchange: message discarded")
		return ErrInvalidSignature
	}

	status, err := s.pins.CheckPin(ctx, s.cfg.ServerID, from, msg.IdentityKey)
	if err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: pin check failed, message discarded")
		return err
	}
	if status == trust.PinMismatch {
		// Possible impersonation. The message is dropped and the pin is
		// untouched until the user explicitly re-pins.
		util.Log(ctx).WithError(ErrIdentityMismatch).Error("keyexchange: POSSIBLE MITM, peer identity key changed")
		slog.WarnContext(ctx, "keyexchange: identity mismatch",
			slog.String("peer", from),
			slog.String("fingerprint", identity.Fingerprint(msg.IdentityKey)))
		return ErrIdentityMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if peer, ok := s.peers[from]; ok && !bytes.Equal(peer.IdentityKey, msg.IdentityKey) {
		util.Log(ctx).WithError(ErrIdentityMismatch).Error("keyexchange: identity differs from known peer record")
		return ErrIdentityMismatch
	}
	return nil
}

func (s *Session) applyAnnounceLocked(ctx context.Context, env relay.Envelope, msg *Message, out *[]outbound, notify *bool) {
	_, known := s.peers[env.From]
	s.peers[env.From] = &PeerRecord{
		UserID:       env.From,
		IdentityKey:  append([]byte(nil), msg.IdentityKey...),
		AgreementKey: append([]byte(nil), msg.AgreementKey...),
	}

	// Answer a newcomer's broadcast with a targeted announce so both
	// sides converge on the same candidate set. This must precede the
	// wrapped key below: the newcomer only accepts a key from a sender
	// it already elects.
	if !known && env.To == "" {
		agreePub := append([]byte(nil), s.agreePub[:]...)
		*out = append(*out, outbound{to: env.From, msg: &Message{
			Kind:         KindAnnounce,
			AgreementKey: agreePub,
			Epoch:        s.epoch,
		}})
	}

	wasHolder := s.holder
	s.reelectLocked(ctx, out, notify)

	if s.holder && wasHolder {
		// A joiner that won the election before learning the channel's
		// real epoch is sitting on a key too stale for anyone to accept.
		// The announce just revealed the gap, so rekey above it for the
		// whole channel.
		if s.maxSeenEpoch > s.epoch {
			s.becomeHolderLocked(ctx, out, notify)
			return
		}
		// Otherwise answer the late joiner with the current key directly;
		// no rotation is needed because the joiner never saw earlier
		// frames.
		if s.key != nil {
			if m, err := s.wrapForLocked(s.peers[env.From]); err == nil {
				*out = append(*out, outbound{to: env.From, msg: m})
			} else {
				util.Log(ctx).WithError(err).Error("keyexchange: cannot wrap channel key for late joiner")
			}
		}
	}
}

func (s *Session) applyChannelKeyLocked(ctx context.Context, from string, msg *Message, notify *bool) {
	if msg.TargetUserID != s.cfg.UserID {
		return
	}
	if msg.Epoch < s.epoch {
		slog.DebugContext(ctx, "keyexchange: stale channel key ignored",
			slog.String("error", ErrStaleEpoch.Error()),
			slog.Uint64("epoch", msg.Epoch), slog.Uint64("current", s.epoch))
		return
	}

	// Only the sender this session currently elects may set the key.
	// Keep the message around though: a departure notice still in
	// flight may be about to make this sender the elected holder, and
	// no one retransmits.
	if elected, _ := s.electedLocked(ctx); elected != from {
		util.Log(ctx).WithError(ErrNotHolder).Error("keyexchange: channel key deferred")
		s.pendingKeys[from] = msg
		return
	}

	s.adoptChannelKeyLocked(ctx, from, msg, notify)
}

// adoptChannelKeyLocked unwraps and installs a key from the elected
// holder. Callers have already checked target, epoch and election.
func (s *Session) adoptChannelKeyLocked(ctx context.Context, from string, msg *Message, notify *bool) {
	key, err := unwrapChannelKey(s.agreePriv, msg.SenderAgreementKey, msg.WrappedKey)
	if err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: channel key discarded")
		return
	}
	if s.key != nil {
		wipe(s.key)
	}
	s.key = key
	s.epoch = msg.Epoch
	s.holder = false
	s.holderID = from
	delete(s.pendingKeys, from)
	*notify = true
}

func (s *Session) applyRatchetLocked(ctx context.Context, from string, msg *Message, notify *bool) {
	if s.key == nil {
		slog.DebugContext(ctx, "keyexchange: ratchet without a current key ignored",
			slog.String("error", ErrNoKey.Error()))
		return
	}
	if msg.Epoch <= s.epoch {
		return // replay or duplicate delivery
	}
	if from != s.holderID {
		util.Log(ctx).WithError(ErrNotHolder).Error("keyexchange: ratchet discarded")
		return
	}

	// Catch up missed epochs: the chain is deterministic, so applying
	// the step once per skipped epoch converges with the holder.
	key := s.key
	for e := s.epoch; e < msg.Epoch; e++ {
		next := Ratchet(key)
		wipe(key)
		key = next
	}
	s.key = key
	s.epoch = msg.Epoch
	*notify = true
}

func (s *Session) handleMemberLeftEnvelope(ctx context.Context, env relay.Envelope) {
	var ml relay.MemberLeft
	if err := json.Unmarshal(env.Payload, &ml); err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: undecodable member_left discarded")
		return
	}
	if ml.UserID == "" || ml.UserID == s.cfg.UserID {
		return
	}
	s.OnMemberLeft(ctx, ml.UserID)
}

// send signs and transmits one message. A message that cannot be signed
// is never sent.
func (s *Session) send(ctx context.Context, to string, msg *Message) error {
	pub, err := s.ids.PublicKey()
	if err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: identity unavailable, message not sent")
		return identity.ErrSigningUnavailable
	}
	msg.IdentityKey = pub

	sig, err := s.ids.Sign(msg.signable())
	if err != nil {
		util.Log(ctx).WithError(err).Error("keyexchange: cannot sign, message not sent")
		return identity.ErrSigningUnavailable
	}
	msg.Signature = sig

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, relay.Envelope{
		Type:    relay.MsgTypeE2EE,
		Channel: s.cfg.Channel,
		From:    s.cfg.UserID,
		To:      to,
		Payload: payload,
	})
}

// flush performs sends and observer pushes collected while the lock was
// held. Sending under the lock could deadlock through transports that
// deliver synchronously.
func (s *Session) flush(ctx context.Context, out []outbound, notify bool) {
	for _, o := range out {
		if err := s.send(ctx, o.to, o.msg); err != nil {
			util.Log(ctx).WithError(err).Error("keyexchange: send failed")
		}
	}
	if !notify {
		return
	}

	s.mu.Lock()
	key := s.key
	if key != nil {
		key = append([]byte(nil), key...)
	}
	epoch := s.epoch
	s.mu.Unlock()
	s.pushKey(key, epoch)
}

func (s *Session) pushKey(key []byte, epoch uint64) {
	if key != nil {
		s.readyOnce.Do(func() { close(s.keyReady) })
	}
	s.subMu.RLock()
	subs := make([]KeyObserver, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(key, epoch)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package keyexchange

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the channel key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Fixed protocol-wide derivation contexts. The wrap and ratchet contexts
// must stay distinct: a wrap key must never equal a ratcheted channel key.
const (
	protocolSalt = "quietwire/e2ee/v1"
	wrapInfo     = "pairwise key wrap"
	ratchetInfo  = "epoch ratchet"
)

// generateAgreementKeypair returns a fresh session-scoped X25519 keypair,
// clamped per RFC 7748. This is never the long-term identity keypair.
func generateAgreementKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pb)
	return priv, pub, nil
}

// wrapKeyFor derives the pairwise wrapping key from an X25519 shared
// secret. Both directions of a pair derive the same key.
func wrapKeyFor(priv [32]byte, peerAgreementPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerAgreementPub)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: agreement: %w", err)
	}
	r := hkdf.New(sha256.New, shared, []byte(protocolSalt), []byte(wrapInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// wrapChannelKey seals the channel key under the pairwise wrap key.
// Output is nonce followed by ciphertext and tag.
func wrapChannelKey(priv [32]byte, peerAgreementPub, channelKey []byte) ([]byte, error) {
	wk, err := wrapKeyFor(priv, peerAgreementPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(wk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, channelKey, nil)...), nil
}

// unwrapChannelKey opens a wrapped channel key with the pairwise wrap key.
func unwrapChannelKey(priv [32]byte, peerAgreementPub, wrapped []byte) ([]byte, error) {
	wk, err := wrapKeyFor(priv, peerAgreementPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(wk)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("keyexchange: wrapped key too short")
	}
	nonce, ct := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	key, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: unwrap channel key: %w", err)
	}
	return key, nil
}

// Ratchet derives the next epoch's channel key from the current one. The
// step is deterministic, so every holder of the old key converges on the
// same new key, and one-way, so the old key cannot be recovered from the
// new one.
func Ratchet(key []byte) []byte {
	r := hkdf.New(sha256.New, key, []byte(protocolSalt), []byte(ratchetInfo))
	next := make([]byte, KeySize)
	if _, err := io.ReadFull(r, next); err != nil {
		panic(err) // hkdf cannot fail for a 32-byte read
	}
	return next
}

// newChannelKey returns 32 fresh random bytes.
func newChannelKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

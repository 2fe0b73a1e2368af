// Package framecrypto applies the per-frame AEAD transform to encoded
// media. It is strictly fail-closed: with no key set, or on any
// verification failure, frames are dropped and nothing is emitted.
package framecrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// MediaKind selects the codec-specific unencrypted header length.
type MediaKind int

const (
	// Audio preserves the 1-byte Opus table-of-contents.
	Audio MediaKind = iota
	// Video preserves the 10-byte payload descriptor so the relay can
	// detect keyframes without decrypting.
	Video
)

func (k MediaKind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// HeaderLen returns the unencrypted header length for the media kind.
func (k MediaKind) HeaderLen() int {
	if k == Video {
		return 10
	}
	return 1
}

// Wire layout: header ‖ nonce ‖ ciphertext ‖ tag.
const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// Stats reports frame counters. Drops are never surfaced as errors to the
// media pipeline; they only show up here.
type Stats struct {
	Encrypted      uint64
	Decrypted      uint64
	DroppedNoKey   uint64
	DroppedShort   uint64
	DroppedBadAuth uint64
	DroppedNonce   uint64
}

// Cipher holds the current channel key and performs the frame transform.
// Keys are pushed by the key-exchange layer, never pulled per frame.
type Cipher struct {
	mu    sync.RWMutex
	aead  cipher.AEAD
	epoch uint64
	rand  io.Reader

	encrypted      atomic.Uint64
	decrypted      atomic.Uint64
	droppedNoKey   atomic.Uint64
	droppedShort   atomic.Uint64
	droppedBadAuth atomic.Uint64
	droppedNonce   atomic.Uint64
}

// NewCipher creates a cipher with no key: every frame drops until the
// first key push.
func NewCipher() *Cipher {
	return &Cipher{rand: rand.Reader}
}

// SetKey installs a pushed channel key. Frames already inside a transform
// when the push lands use whichever key was current when they entered.
func (c *Cipher) SetKey(key []byte, epoch uint64) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.aead = aead
	c.epoch = epoch
	c.mu.Unlock()
	return nil
}

// ClearKey drops the key; the cipher fails closed again.
func (c *Cipher) ClearKey() {
	c.mu.Lock()
	c.aead = nil
	c.mu.Unlock()
}

// HasKey reports whether a key is installed.
func (c *Cipher) HasKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aead != nil
}

// Epoch returns the epoch of the installed key.
func (c *Cipher) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Encrypt transforms one outgoing encoded frame into
// header ‖ nonce ‖ ciphertext ‖ tag. The second return is false when the
// frame must be dropped; an unencrypted frame is never emitted.
func (c *Cipher) Encrypt(frame []byte, kind MediaKind) ([]byte, bool) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		c.droppedNoKey.Add(1)
		return nil, false
	}

	h := kind.HeaderLen()
	if len(frame) < h {
		c.droppedShort.Add(1)
		return nil, false
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(c.rand, nonce[:]); err != nil {
		c.droppedNonce.Add(1)
		return nil, false
	}
	out := encryptWithNonce(aead, nonce, frame, h)
	c.encrypted.Add(1)
	return out, true
}

// encryptWithNonce is the deterministic core shared by both transform
// backends: given the same key and nonce they emit identical wire bytes.
func encryptWithNonce(aead cipher.AEAD, nonce [NonceSize]byte, frame []byte, headerLen int) []byte {
	out := make([]byte, 0, len(frame)+NonceSize+TagSize)
	out = append(out, frame[:headerLen]...)
	out = append(out, nonce[:]...)
	return aead.Seal(out, nonce[:], frame[headerLen:], nil)
}

// Decrypt reverses Encrypt. Frames that are too short, arrive with no key
// installed, or fail authentication are dropped; garbage is never emitted.
func (c *Cipher) Decrypt(frame []byte, kind MediaKind) ([]byte, bool) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		c.droppedNoKey.Add(1)
		return nil, false
	}

	h := kind.HeaderLen()
	if len(frame) < h+NonceSize+TagSize {
		c.droppedShort.Add(1)
		return nil, false
	}

	header := frame[:h]
	nonce := frame[h : h+NonceSize]
	ct := frame[h+NonceSize:]

	out := make([]byte, 0, len(frame)-NonceSize-TagSize)
	out = append(out, header...)
	out, err := aead.Open(out, nonce, ct, nil)
	if err != nil {
		c.droppedBadAuth.Add(1)
		return nil, false
	}
	c.decrypted.Add(1)
	return out, true
}

// Stats returns a snapshot of the counters.
func (c *Cipher) Stats() Stats {
	return Stats{
		Encrypted:      c.encrypted.Load(),
		Decrypted:      c.decrypted.Load(),
		DroppedNoKey:   c.droppedNoKey.Load(),
		DroppedShort:   c.droppedShort.Load(),
		DroppedBadAuth: c.droppedBadAuth.Load(),
		DroppedNonce:   c.droppedNonce.Load(),
	}
}

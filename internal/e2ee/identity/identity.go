package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"sync"
)

var (
	// ErrNoIdentity indicates no keypair has been generated or imported yet.
	ErrNoIdentity = errors.New("identity: no keypair present")
	// ErrSigningUnavailable indicates the store cannot produce a signature.
	ErrSigningUnavailable = errors.New("identity: signing unavailable")
)

// Algorithm identifies the signature scheme of a public key.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmECDSAP256 Algorithm = "ecdsa-p256"
	AlgorithmUnknown   Algorithm = ""
)

// Store holds the local user's long-term signing keypair. The private key
// never leaves the store: callers get Sign and PublicKey, nothing else.
// The keypair is generated lazily on first use.
type Store struct {
	mu   sync.RWMutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewStore creates an empty identity store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) ensureKey() error {
	if s.priv != nil {
		return nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	s.priv = priv
	s.pub = pub
	return nil
}

// PublicKey returns the identity public key, generating the keypair first
// if none exists.
func (s *Store) PublicKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureKey(); err != nil {
		return nil, err
	}
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out, nil
}

// Sign signs data with the identity private key.
func (s *Store) Sign(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureKey(); err != nil {
		return nil, ErrSigningUnavailable
	}
	return ed25519.Sign(s.priv, data), nil
}

// Regenerate destroys the current keypair and creates a fresh one.
// Every peer that pinned the old key will see a mismatch until re-pinned.
func (s *Store) Regenerate() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		wipe(s.priv)
	}
	s.priv = nil
	s.pub = nil
	if err := s.ensureKey(); err != nil {
		return nil, err
	}
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out, nil
}

// DetectAlgorithm infers the signature scheme from a public key encoding.
// Raw 32-byte keys are Ed25519; uncompressed SEC1 points and DER SPKI
// blobs are ECDSA P-256. Mixed-algorithm peer populations verify fine.
func DetectAlgorithm(pub []byte) Algorithm {
	switch {
	case len(pub) == ed25519.PublicKeySize:
		return AlgorithmEd25519
	case len(pub) == 65 && pub[0] == 0x04:
		return AlgorithmECDSAP256
	}
	parsed, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return AlgorithmUnknown
	}
	switch parsed.(type) {
	case ed25519.PublicKey:
		return AlgorithmEd25519
	case *ecdsa.PublicKey:
		return AlgorithmECDSAP256
	}
	return AlgorithmUnknown
}

// Verify checks a signature against a public key. It is pure: no store
// state is involved, so any component may verify with only the public key.
func Verify(data, sig, pub []byte) bool {
	switch DetectAlgorithm(pub) {
	case AlgorithmEd25519:
		key, err := ed25519PublicKey(pub)
		if err != nil {
			return false
		}
		return ed25519.Verify(key, data, sig)
	case AlgorithmECDSAP256:
		key, err := ecdsaPublicKey(pub)
		if err != nil {
			return false
		}
		sum := sha256.Sum256(data)
		return ecdsa.VerifyASN1(key, sum[:], sig)
	}
	return false
}

func ed25519PublicKey(pub []byte) (ed25519.PublicKey, error) {
	if len(pub) == ed25519.PublicKeySize {
		return ed25519.PublicKey(pub), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("identity: not an ed25519 key")
	}
	return key, nil
}

func ecdsaPublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) == 65 && pub[0] == 0x04 {
		return ecdsa.ParseUncompressedPublicKey(elliptic.P256(), pub)
	}
	parsed, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("identity: not an ecdsa key")
	}
	return key, nil
}

// wipe zeroes key material, best-effort.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

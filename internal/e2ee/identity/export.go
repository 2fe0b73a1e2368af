package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrWrongPassphrase indicates the blob could not be decrypted.
	ErrWrongPassphrase = errors.New("identity: wrong passphrase")
	// ErrCorruptBlob indicates the exported blob is not well formed.
	ErrCorruptBlob = errors.New("identity: corrupt export blob")
)

const (
	exportVersion = 1
	saltSize      = 16
)

// exportBlob is the passphrase-encrypted identity envelope. []byte fields
// marshal as base64 through encoding/json.
type exportBlob struct {
	Version    int       `json:"version"`
	Algorithm  Algorithm `json:"algorithm"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// deriveKEK stretches a passphrase into a key-encryption key with Argon2id.
func deriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// ExportEncrypted serializes the identity private key under a passphrase.
// The plaintext key never appears in the returned blob.
func (s *Store) ExportEncrypted(passphrase string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return nil, ErrNoIdentity
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	kek := deriveKEK(passphrase, salt)
	defer wipe(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	blob := exportBlob{
		Version:    exportVersion,
		Algorithm:  AlgorithmEd25519,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, s.priv.Seed(), nil),
	}
	return json.Marshal(blob)
}

// ImportEncrypted replaces the current identity with one decrypted from an
// exported blob. The old keypair, if any, is destroyed.
func (s *Store) ImportEncrypted(data []byte, passphrase string) error {
	var blob exportBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return ErrCorruptBlob
	}
	if blob.Version != exportVersion || blob.Algorithm != AlgorithmEd25519 ||
		len(blob.Salt) != saltSize || len(blob.Nonce) != chacha20poly1305.NonceSize {
		return ErrCorruptBlob
	}

	kek := deriveKEK(passphrase, blob.Salt)
	defer wipe(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return err
	}
	seed, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return ErrWrongPassphrase
	}
	if len(seed) != ed25519.SeedSize {
		wipe(seed)
		return ErrCorruptBlob
	}

	priv := ed25519.NewKeyFromSeed(seed)
	wipe(seed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		wipe(s.priv)
	}
	s.priv = priv
	s.pub = priv.Public().(ed25519.PublicKey)
	return nil
}

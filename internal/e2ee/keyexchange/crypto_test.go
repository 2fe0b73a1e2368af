package keyexchange

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestAgreementWrapUnwrapBothDirections(t *testing.T) {
	aPriv, aPub, err := generateAgreementKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	bPriv, bPub, err := generateAgreementKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	key, err := newChannelKey()
	if err != nil {
		t.Fatalf("new channel key: %v", err)
	}

	wrapped, err := wrapChannelKey(aPriv, bPub[:], key)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := unwrapChannelKey(bPriv, aPub[:], wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("unwrapped key differs from original")
	}

	// The reverse direction derives the same wrap key.
	wrapped2, err := wrapChannelKey(bPriv, aPub[:], key)
	if err != nil {
		t.Fatalf("wrap reverse: %v", err)
	}
	got2, err := unwrapChannelKey(aPriv, bPub[:], wrapped2)
	if err != nil {
		t.Fatalf("unwrap reverse: %v", err)
	}
	if !bytes.Equal(got2, key) {
		t.Error("reverse direction unwrapped key differs from original")
	}
}

func TestUnwrapRejectsWrongRecipient(t *testing.T) {
	aPriv, _, _ := generateAgreementKeypair()
	_, bPub, _ := generateAgreementKeypair()
	cPriv, _, _ := generateAgreementKeypair()
	_, aPub, _ := generateAgreementKeypair() // unrelated pub, fresh pair

	key, _ := newChannelKey()
	wrapped, err := wrapChannelKey(aPriv, bPub[:], key)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := unwrapChannelKey(cPriv, aPub[:], wrapped); err == nil {
		t.Error("unwrap under the wrong keypair must fail")
	}
}

func TestUnwrapRejectsTamper(t *testing.T) {
	aPriv, aPub, _ := generateAgreementKeypair()
	bPriv, bPub, _ := generateAgreementKeypair()

	key, _ := newChannelKey()
	wrapped, err := wrapChannelKey(aPriv, bPub[:], key)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	wrapped[len(wrapped)-1] ^= 1
	if _, err := unwrapChannelKey(bPriv, aPub[:], wrapped); err == nil {
		t.Error("tampered wrapped key must fail to unwrap")
	}
}

func TestRatchetDeterministic(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}

	a := Ratchet(append([]byte(nil), key...))
	b := Ratchet(append([]byte(nil), key...))
	if !bytes.Equal(a, b) {
		t.Error("ratchet from the same key must converge")
	}
	if len(a) != KeySize {
		t.Errorf("got %d-byte ratcheted key, want %d", len(a), KeySize)
	}
	if bytes.Equal(a, key) {
		t.Error("ratcheted key must differ from its predecessor")
	}
}

func TestRatchetChainDiverges(t *testing.T) {
	key, _ := newChannelKey()

	// Successive epochs along one chain never repeat.
	seen := map[string]bool{string(key): true}
	cur := append([]byte(nil), key...)
	for i := 0; i < 10; i++ {
		cur = Ratchet(cur)
		if seen[string(cur)] {
			t.Fatalf("epoch %d repeats an earlier key", i+1)
		}
		seen[string(cur)] = true
	}
}

func TestAgreementKeypairClamped(t *testing.T) {
	priv, pub, err := generateAgreementKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if priv[0]&7 != 0 || priv[31]&128 != 0 || priv[31]&64 == 0 {
		t.Error("private scalar not clamped")
	}
	var zero [32]byte
	if bytes.Equal(pub[:], zero[:]) {
		t.Error("public key is all zeros")
	}
}

package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint renders a public key as a short human-comparable string:
// the first 10 bytes of its SHA-256 digest, hex, grouped in fours.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	h := hex.EncodeToString(sum[:10])
	var b strings.Builder
	for i := 0; i < len(h); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(h[i : i+4])
	}
	return b.String()
}

// SafetyNumber renders a pairwise verification string for two identity
// keys. Both sides compute the same value regardless of argument order:
// the keys are sorted, concatenated and hashed, and the first 5 bytes of
// the digest become 12 decimal digits grouped in fours.
func SafetyNumber(a, b []byte) string {
	lo, hi := a, b
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	h := sha256.New()
	h.Write(lo)
	h.Write(hi)
	sum := h.Sum(nil)

	var buf [8]byte
	copy(buf[3:], sum[:5])
	n := binary.BigEndian.Uint64(buf[:]) % 1_000_000_000_000
	s := fmt.Sprintf("%012d", n)
	return s[0:4] + " " + s[4:8] + " " + s[8:12]
}

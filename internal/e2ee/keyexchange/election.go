package keyexchange

import (
	"crypto/sha256"
	"encoding/hex"
)

// ElectHolder deterministically selects the channel-key holder from a set
// of candidates (userID to identity public key). Every participant runs
// the same pure function over the same inputs and reaches the same result
// with no voting round: the candidate whose hex-encoded identity key has
// the lexicographically smallest SHA-256 digest wins. The relay cannot
// influence the outcome because identity keys are signature-verified.
func ElectHolder(candidates map[string][]byte) (string, bool) {
	var bestID, bestDigest string
	for id, pub := range candidates {
		if len(pub) == 0 {
			continue
		}
		sum := sha256.Sum256([]byte(hex.EncodeToString(pub)))
		digest := hex.EncodeToString(sum[:])
		if bestID == "" || digest < bestDigest {
			bestID, bestDigest = id, digest
		}
	}
	return bestID, bestID != ""
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// keyVersion is bumped if the key layout itself ever changes, orphaning all
// prior entries rather than misreading them.
const keyVersion = "k1"

// KeySpec names the four inputs that address a cached stage result. Changing
// any of them, including ModelVersion, must produce a different key: the
// correctness of a cached extraction depends on which model produced it.
type KeySpec struct {
	DocHash          string
	Stage            string
	InputFingerprint string
	ModelVersion     string
}

// String returns the deterministic cache key for the spec.
func (k KeySpec) String() string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		keyVersion,
		k.DocHash,
		k.Stage,
		k.InputFingerprint,
		k.ModelVersion,
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes arbitrary stage input into a fixed-size hex digest for
// use as KeySpec.InputFingerprint.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

package auth

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// fingerprintBucket is the coarse time-bucket width from spec.md §4.1/§9: the
// fingerprint rotates daily, not per request, to avoid inviting upstream
// distrust while still bounding the blast radius of a leaked fingerprint.
const fingerprintBucket = 24 * time.Hour

// MachineFingerprint derives the per-account, per-day identifier spec.md §3/§4.1
// sends upstream as x-amz-user-agent. It must never be cached across time
// buckets, so callers are expected to call this on every outbound request
// rather than memoizing the result on the Account.
func MachineFingerprint(credentialID string, now time.Time) string {
	bucket := now.UTC().Unix() / int64(fingerprintBucket/time.Second)
	seed := make([]byte, 0, len(credentialID)+9)
	seed = append(seed, credentialID...)
	seed = append(seed, 0)
	seed = append(seed, byte(bucket), byte(bucket>>8), byte(bucket>>16), byte(bucket>>24),
		byte(bucket>>32), byte(bucket>>40), byte(bucket>>48), byte(bucket>>56))

	sum := blake2b.Sum256(seed)
	// spec.md requires a 128-bit identifier; truncate the 256-bit digest.
	return hex.EncodeToString(sum[:16])
}

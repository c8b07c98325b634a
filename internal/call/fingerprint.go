package call

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// fingerprintVersion is mixed into every digest so the encoding can change
// without colliding with old ledger rows.
const fingerprintVersion = "v1"

// Fingerprint derives the deduplication key for a call. Each field is length
// prefixed so ("ab","c") and ("a","bc") never hash the same.
func Fingerprint(tenantID, contentHash string, kind Kind, model string) string {
	h := sha256.New()
	for _, part := range []string{fingerprintVersion, tenantID, contentHash, string(kind), model} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

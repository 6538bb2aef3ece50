package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/ztmesh/ztmesh/internal/core"
)

// NewConfigToken mints a 128-bit URL-safe one-shot token for client config
// downloads. The clear form goes to the admin exactly once; only the hash
// is stored.
func NewConfigToken() (clear, hash string, err error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", core.Wrap(core.KindTransient, "ENTROPY", err, "read random bytes")
	}
	clear = base64.RawURLEncoding.EncodeToString(raw[:])
	return clear, HashConfigToken(clear), nil
}

// HashConfigToken maps a clear token to its stored form.
func HashConfigToken(clear string) string {
	sum := sha256.Sum256([]byte(clear))
	return hex.EncodeToString(sum[:])
}

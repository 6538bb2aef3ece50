// Package security issues and verifies node bearer tokens, one-shot client
// config tokens, and the admin secret check. Tokens are HMAC-SHA256 signed
// and derived from SECRET_KEY; nothing here touches the event log.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ztmesh/ztmesh/internal/core"
)

// NodeClaims is embedded in a node bearer token. Tokens carry no expiry:
// a node stays authenticated until it is revoked, at which point status
// checks reject it regardless of signature validity.
type NodeClaims struct {
	TokenID  string    `json:"tid"`
	NodeID   string    `json:"nid"`
	Hostname string    `json:"hst"`
	Role     core.Role `json:"rol"`
	IssuedAt int64     `json:"iat"`
	Issuer   string    `json:"iss"`
}

// TokenBroker signs and verifies node tokens. During a SECRET_KEY rotation
// the previous key verifies for a grace window so running agents are not
// all kicked off at once.
type TokenBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	issuer     string
}

// NewTokenBroker derives the broker from SECRET_KEY. prevSecret may be
// empty when no rotation is in flight.
func NewTokenBroker(secret, prevSecret string, grace time.Duration) *TokenBroker {
	if grace == 0 {
		grace = 24 * time.Hour
	}
	tb := &TokenBroker{
		secret: []byte(secret),
		issuer: "ztmesh-controller",
	}
	if prevSecret != "" {
		tb.prevSecret = []byte(prevSecret)
		tb.graceUntil = time.Now().Add(grace)
	}
	return tb
}

// Issue signs a bearer token for an approved-or-pending node.
func (tb *TokenBroker) Issue(nodeID, hostname string, role core.Role) (string, error) {
	claims := &NodeClaims{
		TokenID:  uuid.New().String(),
		NodeID:   nodeID,
		Hostname: hostname,
		Role:     role,
		IssuedAt: time.Now().Unix(),
		Issuer:   tb.issuer,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", core.Wrap(core.KindInvariant, "TOKEN_ENCODE", err, "serialize node claims")
	}

	tb.mu.RLock()
	sig := sign(tb.secret, claimsJSON)
	tb.mu.RUnlock()

	return base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the signature and decodes the claims. It tries the current
// key first, then the previous key inside the rotation grace window.
func (tb *TokenBroker) Verify(token string) (*NodeClaims, error) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return nil, core.Errorf(core.KindUnauthorized, "BAD_TOKEN", "malformed bearer token")
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, core.Errorf(core.KindUnauthorized, "BAD_TOKEN", "token claims are not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, core.Errorf(core.KindUnauthorized, "BAD_TOKEN", "token signature is not base64url")
	}

	tb.mu.RLock()
	valid := hmac.Equal(sig, sign(tb.secret, claimsJSON))
	if !valid && len(tb.prevSecret) > 0 && time.Now().Before(tb.graceUntil) {
		valid = hmac.Equal(sig, sign(tb.prevSecret, claimsJSON))
	}
	tb.mu.RUnlock()

	if !valid {
		return nil, core.Errorf(core.KindUnauthorized, "BAD_SIGNATURE", "token signature mismatch")
	}

	var claims NodeClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, core.Errorf(core.KindUnauthorized, "BAD_TOKEN", "token claims undecodable")
	}
	if claims.NodeID == "" {
		return nil, core.Errorf(core.KindUnauthorized, "BAD_TOKEN", "token carries no node id")
	}
	return &claims, nil
}

// RotateKey swaps in a new signing secret; the old one keeps verifying for
// the grace window.
func (tb *TokenBroker) RotateKey(newSecret string, grace time.Duration) {
	if grace == 0 {
		grace = 24 * time.Hour
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.prevSecret = tb.secret
	tb.graceUntil = time.Now().Add(grace)
	tb.secret = []byte(newSecret)
}

// VerifyAdminSecret compares the presented X-Admin-Token value in constant
// time.
func VerifyAdminSecret(presented, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}

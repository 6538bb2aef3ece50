package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ztmesh/ztmesh/internal/core"
)

// KeyCrypt seals client-device private keys before they enter the event
// log. The secretbox key is derived from SECRET_KEY, so a database dump
// alone never yields usable WireGuard keys.
type KeyCrypt struct {
	key [32]byte
}

func NewKeyCrypt(secretKey string) *KeyCrypt {
	return &KeyCrypt{key: sha256.Sum256([]byte(secretKey))}
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (k *KeyCrypt) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", core.Wrap(core.KindTransient, "ENTROPY", err, "read nonce")
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &k.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails when the ciphertext was produced under a
// different SECRET_KEY or was tampered with.
func (k *KeyCrypt) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", core.Errorf(core.KindInvariant, "KEYCRYPT_DECODE", "ciphertext is not base64: %v", err)
	}
	if len(raw) < 24 {
		return "", core.Errorf(core.KindInvariant, "KEYCRYPT_DECODE", "ciphertext shorter than nonce")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &k.key)
	if !ok {
		return "", core.Errorf(core.KindInvariant, "KEYCRYPT_OPEN", "ciphertext failed authentication")
	}
	return string(plain), nil
}

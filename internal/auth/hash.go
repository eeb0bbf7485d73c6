package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPIN hashes a PIN with Argon2id. The result has the form
// base64(salt)$base64(hash) and is what TASUKI_ADMIN_PIN_HASH expects.
func HashPIN(pin string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// parsedHash is a decoded HashPIN result.
type parsedHash struct {
	salt []byte
	hash []byte
}

func parseHash(encoded string) (parsedHash, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return parsedHash{}, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return parsedHash{}, fmt.Errorf("auth: decode salt: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return parsedHash{}, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(hash) != argonKeyLen {
		return parsedHash{}, fmt.Errorf("auth: hash has %d bytes, want %d", len(hash), argonKeyLen)
	}
	return parsedHash{salt: salt, hash: hash}, nil
}

func (p parsedHash) matches(pin string) bool {
	computed := argon2.IDKey([]byte(pin), p.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(p.hash, computed) == 1
}

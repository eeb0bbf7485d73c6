// Package auth gates destructive board operations behind a shared admin PIN.
//
// The gate is a plain equality check: either against a PIN held in config
// or against an Argon2id hash of it. There are no accounts, tokens or roles.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrInvalidPIN is returned when a PIN is missing or wrong.
var ErrInvalidPIN = errors.New("auth: invalid PIN")

// PINGate checks admin PINs. The zero value and a nil *PINGate accept
// every request.
type PINGate struct {
	plain  []byte
	hashed *parsedHash
}

// NewPINGate builds a gate from config. hash takes precedence over pin;
// when both are empty the gate is open.
func NewPINGate(pin, hash string) (*PINGate, error) {
	if hash != "" {
		p, err := parseHash(hash)
		if err != nil {
			return nil, fmt.Errorf("auth: admin PIN hash: %w", err)
		}
		return &PINGate{hashed: &p}, nil
	}
	if pin != "" {
		return &PINGate{plain: []byte(pin)}, nil
	}
	return &PINGate{}, nil
}

// Enabled reports whether a PIN is required.
func (g *PINGate) Enabled() bool {
	return g != nil && (g.plain != nil || g.hashed != nil)
}

// Check returns ErrInvalidPIN unless pin satisfies the gate.
func (g *PINGate) Check(pin string) error {
	if !g.Enabled() {
		return nil
	}
	if g.hashed != nil {
		if g.hashed.matches(pin) {
			return nil
		}
		return ErrInvalidPIN
	}
	if subtle.ConstantTimeCompare(g.plain, []byte(pin)) == 1 {
		return nil
	}
	return ErrInvalidPIN
}

// Package security provides the credential hashing and session token
// primitives the auth engine is built on: a memory-hard, constant-time
// password verifier and opaque, high-entropy bearer tokens.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost matches bcrypt's own default; raised only in tests that
// need faster hashing.
const DefaultBcryptCost = bcrypt.DefaultCost

// HashPassword returns an opaque, salted, memory-hard password verifier.
// The bare password is never retained by the caller beyond this call.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a bare password against a stored verifier in
// constant time (bcrypt.CompareHashAndPassword is itself constant-time over
// the hash comparison). Returns false on any mismatch or malformed verifier,
// never the underlying bcrypt error detail.
func VerifyPassword(verifier, password string) bool {
	if verifier == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password))
	return err == nil
}

// tokenBytes is the amount of entropy in a generated session token before
// hex-encoding (32 bytes = 256 bits).
const tokenBytes = 32

// NewSessionToken generates an opaque, high-entropy bearer token.
func NewSessionToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

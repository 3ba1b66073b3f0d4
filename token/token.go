// Package token generates the random values the wallet auth protocol runs
// on: challenge codes, session tokens and key secrets, plus the hash
// derivations tied to them.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// ChallengeCodeBytes is the entropy of a challenge code.
	ChallengeCodeBytes = 32

	// SessionTokenBytes is the entropy of a session token.
	SessionTokenBytes = 32

	secretBytes = 32
	saltBytes   = 16
)

// Generate returns a URL-safe random token carrying n bytes of entropy.
func Generate(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeResponse derives the expected answer for a challenge:
// hex(sha256("{code}:{walletAddress}")). The derivation is deliberately
// public; possession of the code is what it proves.
func ChallengeResponse(code, walletAddress string) string {
	sum := sha256.Sum256([]byte(code + ":" + walletAddress))
	return hex.EncodeToString(sum[:])
}

// VerifyResponse compares a submitted challenge response against the
// expected derivation in constant time.
func VerifyResponse(code, walletAddress, response string) bool {
	return hmac.Equal([]byte(ChallengeResponse(code, walletAddress)), []byte(response))
}

// HashSecret returns hex(sha256(salt || secret)).
func HashSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(sum[:])
}

// NewSecret generates a key secret and returns its salt and salted hash.
// The plaintext secret is returned only so a caller could hand it to the
// client; the stores persist the hash and salt alone.
func NewSecret() (secret, salt, hash string, err error) {
	if secret, err = Generate(secretBytes); err != nil {
		return "", "", "", err
	}
	if salt, err = Generate(saltBytes); err != nil {
		return "", "", "", err
	}
	return secret, salt, HashSecret(secret, salt), nil
}

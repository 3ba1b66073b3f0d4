package core

import "errors"

var (
	// ErrChallengeInvalid is returned when no unused, unexpired challenge
	// matches the supplied wallet address and challenge code.
	ErrChallengeInvalid = errors.New("challenge not found or already used")

	// ErrChallengeExpired is returned when the matching challenge exists but
	// its expiry has passed.
	ErrChallengeExpired = errors.New("challenge has expired")

	// ErrChallengeResponseInvalid is returned when the submitted challenge
	// response does not match the expected one.
	ErrChallengeResponseInvalid = errors.New("challenge response does not match")

	// ErrKeyCapacityExceeded is returned when a wallet already holds the
	// maximum number of active keys.
	ErrKeyCapacityExceeded = errors.New("maximum number of active keys reached")

	// ErrPublicKeyExists is returned when the public key is already
	// registered, for any wallet.
	ErrPublicKeyExists = errors.New("public key is already registered")

	// ErrKeyInvalidOrExpired is returned when no active, unexpired key
	// matches the wallet address and public key.
	ErrKeyInvalidOrExpired = errors.New("key not found, revoked or expired")

	// ErrKeyInactive is returned when a session's owning key is no longer
	// active.
	ErrKeyInactive = errors.New("key is no longer active")

	// ErrSignatureInvalid is returned when signature verification fails.
	ErrSignatureInvalid = errors.New("invalid signature")

	// ErrTimestampOutOfRange is returned when a signed timestamp falls
	// outside the replay window.
	ErrTimestampOutOfRange = errors.New("signature timestamp outside accepted window")

	// ErrSessionInvalid is returned when a session is missing, inactive,
	// expired, or owned by a different wallet.
	ErrSessionInvalid = errors.New("session is invalid or expired")
)

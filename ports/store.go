package ports

import (
	"context"
	"time"

	"github.com/layer-3/talisman/core"
)

// ChallengeStore persists outstanding authentication challenges.
type ChallengeStore interface {
	// CreateChallenge persists a new challenge row.
	CreateChallenge(ctx context.Context, ch *core.Challenge) error

	// ConsumeChallenge atomically looks up an unused, unexpired challenge
	// matching (walletAddress, code) and marks it used. Returns
	// core.ErrChallengeInvalid when no such row exists and
	// core.ErrChallengeExpired when it exists but has expired.
	ConsumeChallenge(ctx context.Context, walletAddress, code string, now time.Time) (*core.Challenge, error)

	// DeleteExpiredChallenges removes every challenge whose expiry has
	// passed, used or not, and reports how many were removed.
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}

// KeyStore persists public keys bound to wallet addresses.
type KeyStore interface {
	// RegisterKey atomically enforces cross-wallet public key uniqueness and
	// the per-wallet active-key capacity, then inserts the key. When
	// replaceExisting is set and the wallet already owns a row, that row is
	// overwritten in place instead. Returns core.ErrKeyCapacityExceeded or
	// core.ErrPublicKeyExists on violation.
	RegisterKey(ctx context.Context, key *core.AuthKey, maxActive int, replaceExisting bool) error

	// ActiveKey returns the active, unexpired key matching
	// (walletAddress, publicKey), or core.ErrKeyInvalidOrExpired.
	ActiveKey(ctx context.Context, walletAddress, publicKey string, now time.Time) (*core.AuthKey, error)

	// KeyByID returns the key with the given id, or core.ErrKeyInvalidOrExpired.
	KeyByID(ctx context.Context, id string) (*core.AuthKey, error)

	// KeysByWallet lists every key row for a wallet, newest first.
	KeysByWallet(ctx context.Context, walletAddress string) ([]*core.AuthKey, error)

	// TouchKey updates the key's last-used timestamp.
	TouchKey(ctx context.Context, id string, at time.Time) error

	// RevokeKeys marks matching active keys as revoked and returns their ids.
	// An empty publicKey matches every active key of the wallet. Revoking
	// nothing is not an error.
	RevokeKeys(ctx context.Context, walletAddress, publicKey string) ([]string, error)
}

// SessionStore persists bearer sessions and enforces per-key capacity.
type SessionStore interface {
	// CreateSession atomically deactivates the oldest sessions of the owning
	// key beyond maxActivePerKey-1 and inserts the new session. Returns how
	// many sessions were evicted.
	CreateSession(ctx context.Context, s *core.AuthSession, maxActivePerKey int) (int, error)

	// SessionByToken returns the session with the given token, or
	// core.ErrSessionInvalid.
	SessionByToken(ctx context.Context, sessionToken string) (*core.AuthSession, error)

	// ExtendSession moves the session's expiry and last-activity forward.
	ExtendSession(ctx context.Context, sessionToken string, expiresAt, activityAt time.Time) error

	// TouchSession updates the session's last-activity timestamp.
	TouchSession(ctx context.Context, sessionToken string, at time.Time) error

	// DeactivateSession deactivates one session. Idempotent: deactivating a
	// missing or already-inactive session is not an error.
	DeactivateSession(ctx context.Context, sessionToken string) error

	// DeactivateSessionsForKeys deactivates every active session owned by
	// the given keys and reports how many were deactivated.
	DeactivateSessionsForKeys(ctx context.Context, keyIDs []string) (int, error)

	// SessionsByWallet lists a wallet's sessions, newest first. Inactive and
	// expired sessions are included only when includeInactive is set.
	SessionsByWallet(ctx context.Context, walletAddress string, includeInactive bool) ([]*core.AuthSession, error)

	// DeleteExpiredSessions physically removes sessions whose expiry has
	// passed and reports how many were removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence surface of the wallet auth service.
type Store interface {
	ChallengeStore
	KeyStore
	SessionStore
}

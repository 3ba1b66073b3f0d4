package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/ports"
)

// The suite below runs against every store backend so the composite
// operations behave identically regardless of persistence.

type storeFactory func(t *testing.T) ports.Store

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("ConsumeChallengeOnce", func(t *testing.T) { testConsumeChallengeOnce(t, newStore(t)) })
	t.Run("ConsumeChallengeExpired", func(t *testing.T) { testConsumeChallengeExpired(t, newStore(t)) })
	t.Run("DeleteExpiredChallenges", func(t *testing.T) { testDeleteExpiredChallenges(t, newStore(t)) })
	t.Run("KeyCapacity", func(t *testing.T) { testKeyCapacity(t, newStore(t)) })
	t.Run("PublicKeyUniqueness", func(t *testing.T) { testPublicKeyUniqueness(t, newStore(t)) })
	t.Run("ReplaceExistingKey", func(t *testing.T) { testReplaceExistingKey(t, newStore(t)) })
	t.Run("ActiveKeyLazyExpiry", func(t *testing.T) { testActiveKeyLazyExpiry(t, newStore(t)) })
	t.Run("RevokeKeys", func(t *testing.T) { testRevokeKeys(t, newStore(t)) })
	t.Run("SessionEviction", func(t *testing.T) { testSessionEviction(t, newStore(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("DeactivateSessionsForKeys", func(t *testing.T) { testDeactivateSessionsForKeys(t, newStore(t)) })
	t.Run("DeleteExpiredSessions", func(t *testing.T) { testDeleteExpiredSessions(t, newStore(t)) })
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ports.Store { return NewMemoryStore() })
}

func newChallenge(wallet, code string, expiresAt time.Time) *core.Challenge {
	return &core.Challenge{
		ID:               "ch-" + code,
		WalletAddress:    wallet,
		Code:             code,
		ExpectedResponse: "expected-" + code,
		ExpiresAt:        expiresAt,
		CreatedAt:        expiresAt.Add(-10 * time.Minute),
	}
}

func newKey(id, wallet, publicKey string, now time.Time) *core.AuthKey {
	return &core.AuthKey{
		ID:            id,
		WalletAddress: wallet,
		PublicKey:     publicKey,
		SecretHash:    "hash",
		SecretSalt:    "salt",
		Status:        core.KeyStatusActive,
		ExpiresAt:     now.Add(24 * time.Hour),
		CreatedAt:     now,
	}
}

func newSession(token, wallet, keyID string, loginAt time.Time) *core.AuthSession {
	return &core.AuthSession{
		Token:          token,
		WalletAddress:  wallet,
		KeyID:          keyID,
		PublicKey:      "pub-" + keyID,
		Active:         true,
		ExpiresAt:      loginAt.Add(24 * time.Hour),
		LastActivityAt: loginAt,
		LoginAt:        loginAt,
	}
}

func testConsumeChallengeOnce(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.CreateChallenge(ctx, newChallenge("0xabc", "c1", now.Add(10*time.Minute))))

	ch, err := s.ConsumeChallenge(ctx, "0xabc", "c1", now)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", ch.WalletAddress)
	assert.Equal(t, "expected-c1", ch.ExpectedResponse)

	_, err = s.ConsumeChallenge(ctx, "0xabc", "c1", now)
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	_, err = s.ConsumeChallenge(ctx, "0xabc", "missing", now)
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	// The right code for the wrong wallet must not match either.
	require.NoError(t, s.CreateChallenge(ctx, newChallenge("0xabc", "c2", now.Add(10*time.Minute))))
	_, err = s.ConsumeChallenge(ctx, "0xother", "c2", now)
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func testConsumeChallengeExpired(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.CreateChallenge(ctx, newChallenge("0xabc", "old", now.Add(-time.Minute))))

	_, err := s.ConsumeChallenge(ctx, "0xabc", "old", now)
	assert.ErrorIs(t, err, core.ErrChallengeExpired)
}

func testDeleteExpiredChallenges(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.CreateChallenge(ctx, newChallenge("0xabc", "live", now.Add(10*time.Minute))))
	require.NoError(t, s.CreateChallenge(ctx, newChallenge("0xabc", "dead1", now.Add(-time.Minute))))
	require.NoError(t, s.CreateChallenge(ctx, newChallenge("0xdef", "dead2", now.Add(-time.Hour))))

	deleted, err := s.DeleteExpiredChallenges(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = s.ConsumeChallenge(ctx, "0xabc", "live", now)
	assert.NoError(t, err)
}

func testKeyCapacity(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		key := newKey(fmt.Sprintf("k%d", i), "0xabc", fmt.Sprintf("pub%d", i), now)
		require.NoError(t, s.RegisterKey(ctx, key, 5, false))
	}

	err := s.RegisterKey(ctx, newKey("k5", "0xabc", "pub5", now), 5, false)
	assert.ErrorIs(t, err, core.ErrKeyCapacityExceeded)

	// Capacity counts active keys only: revoking one frees a slot.
	_, err = s.RevokeKeys(ctx, "0xabc", "pub0")
	require.NoError(t, err)
	assert.NoError(t, s.RegisterKey(ctx, newKey("k5", "0xabc", "pub5", now), 5, false))

	// Other wallets are unaffected.
	assert.NoError(t, s.RegisterKey(ctx, newKey("other", "0xdef", "pub-other", now), 5, false))
}

func testPublicKeyUniqueness(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RegisterKey(ctx, newKey("k1", "0xabc", "shared", now), 5, false))

	// Same public key on a different wallet is rejected.
	err := s.RegisterKey(ctx, newKey("k2", "0xdef", "shared", now), 5, false)
	assert.ErrorIs(t, err, core.ErrPublicKeyExists)

	// And on the same wallet too, outside replace mode.
	err = s.RegisterKey(ctx, newKey("k3", "0xabc", "shared", now), 5, false)
	assert.ErrorIs(t, err, core.ErrPublicKeyExists)
}

func testReplaceExistingKey(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RegisterKey(ctx, newKey("k1", "0xabc", "pub-a", now), 5, true))

	replacement := newKey("k2", "0xabc", "pub-b", now.Add(time.Minute))
	replacement.Status = core.KeyStatusActive
	require.NoError(t, s.RegisterKey(ctx, replacement, 5, true))

	keys, err := s.KeysByWallet(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "pub-b", keys[0].PublicKey)
	assert.Equal(t, core.KeyStatusActive, keys[0].Status)

	// The replaced public key is free again for other wallets.
	assert.NoError(t, s.RegisterKey(ctx, newKey("k3", "0xdef", "pub-a", now), 5, true))
}

func testActiveKeyLazyExpiry(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	key := newKey("k1", "0xabc", "pub1", now)
	require.NoError(t, s.RegisterKey(ctx, key, 5, false))

	got, err := s.ActiveKey(ctx, "0xabc", "pub1", now)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.ID)

	// Past its expiry the same row no longer resolves.
	_, err = s.ActiveKey(ctx, "0xabc", "pub1", now.Add(25*time.Hour))
	assert.ErrorIs(t, err, core.ErrKeyInvalidOrExpired)

	_, err = s.ActiveKey(ctx, "0xabc", "nope", now)
	assert.ErrorIs(t, err, core.ErrKeyInvalidOrExpired)
}

func testRevokeKeys(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RegisterKey(ctx, newKey("k1", "0xabc", "pub1", now), 5, false))
	require.NoError(t, s.RegisterKey(ctx, newKey("k2", "0xabc", "pub2", now), 5, false))
	require.NoError(t, s.RegisterKey(ctx, newKey("k3", "0xdef", "pub3", now), 5, false))

	revoked, err := s.RevokeKeys(ctx, "0xabc", "")
	require.NoError(t, err)
	assert.Len(t, revoked, 2)

	// Idempotent: nothing left to revoke.
	revoked, err = s.RevokeKeys(ctx, "0xabc", "")
	require.NoError(t, err)
	assert.Empty(t, revoked)

	// The other wallet's key is untouched.
	_, err = s.ActiveKey(ctx, "0xdef", "pub3", now)
	assert.NoError(t, err)
}

func testSessionEviction(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		sess := newSession(fmt.Sprintf("t%d", i), "0xabc", "k1", now.Add(time.Duration(i)*time.Minute))
		evicted, err := s.CreateSession(ctx, sess, 3)
		require.NoError(t, err)
		assert.Zero(t, evicted)
	}

	// A fourth session evicts exactly the oldest one.
	evicted, err := s.CreateSession(ctx, newSession("t3", "0xabc", "k1", now.Add(3*time.Minute)), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	sessions, err := s.SessionsByWallet(ctx, "0xabc", false)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, sess := range sessions {
		assert.NotEqual(t, "t0", sess.Token)
	}

	oldest, err := s.SessionByToken(ctx, "t0")
	require.NoError(t, err)
	assert.False(t, oldest.Active)
}

func testSessionLifecycle(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sess := newSession("tok", "0xabc", "k1", now)
	_, err := s.CreateSession(ctx, sess, 3)
	require.NoError(t, err)

	newExpiry := now.Add(48 * time.Hour)
	require.NoError(t, s.ExtendSession(ctx, "tok", newExpiry, now.Add(time.Minute)))

	got, err := s.SessionByToken(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(newExpiry))
	assert.True(t, got.LastActivityAt.Equal(now.Add(time.Minute)))

	require.NoError(t, s.TouchSession(ctx, "tok", now.Add(2*time.Minute)))
	got, err = s.SessionByToken(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(now.Add(2*time.Minute)))

	require.NoError(t, s.DeactivateSession(ctx, "tok"))
	require.NoError(t, s.DeactivateSession(ctx, "tok"))       // idempotent
	require.NoError(t, s.DeactivateSession(ctx, "missing"))   // and on absence

	got, err = s.SessionByToken(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = s.SessionByToken(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrSessionInvalid)

	assert.ErrorIs(t, s.ExtendSession(ctx, "missing", newExpiry, now), core.ErrSessionInvalid)
}

func testDeactivateSessionsForKeys(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.CreateSession(ctx, newSession("t1", "0xabc", "k1", now), 3)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, newSession("t2", "0xabc", "k1", now.Add(time.Minute)), 3)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, newSession("t3", "0xabc", "k2", now), 3)
	require.NoError(t, err)

	n, err := s.DeactivateSessionsForKeys(ctx, []string{"k1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeactivateSessionsForKeys(ctx, []string{"k1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	survivor, err := s.SessionByToken(ctx, "t3")
	require.NoError(t, err)
	assert.True(t, survivor.Active)
}

func testDeleteExpiredSessions(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	live := newSession("live", "0xabc", "k1", now)
	_, err := s.CreateSession(ctx, live, 3)
	require.NoError(t, err)

	dead := newSession("dead", "0xabc", "k1", now.Add(-48*time.Hour))
	_, err = s.CreateSession(ctx, dead, 3)
	require.NoError(t, err)

	deleted, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.SessionByToken(ctx, "dead")
	assert.ErrorIs(t, err, core.ErrSessionInvalid)
	_, err = s.SessionByToken(ctx, "live")
	assert.NoError(t, err)
}

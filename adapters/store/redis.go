package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/ports"
)

// RedisStore implements the store ports on Redis. Challenges and sessions
// carry native TTLs; secondary indexes (wallet key sets, per-key session
// zsets) make capacity checks cheap. Check-then-act sections run under
// WATCH so concurrent registrations cannot both pass a capacity check.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ ports.Store = (*RedisStore)(nil)

// txRetries bounds optimistic WATCH retries before giving up.
const txRetries = 3

// NewRedisStore creates a Redis-backed store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "talisman:"}
}

func (s *RedisStore) challengeKey(wallet, code string) string {
	return s.prefix + "challenge:" + wallet + ":" + code
}
func (s *RedisStore) keyKey(id string) string         { return s.prefix + "key:" + id }
func (s *RedisStore) pubKeyIdx(publicKey string) string { return s.prefix + "pubkey:" + publicKey }
func (s *RedisStore) walletKeysIdx(wallet string) string {
	return s.prefix + "wallet-keys:" + wallet
}
func (s *RedisStore) sessionKey(token string) string { return s.prefix + "session:" + token }
func (s *RedisStore) keySessionsIdx(keyID string) string {
	return s.prefix + "key-sessions:" + keyID
}
func (s *RedisStore) walletSessionsIdx(wallet string) string {
	return s.prefix + "wallet-sessions:" + wallet
}
func (s *RedisStore) sessionExpiryIdx() string { return s.prefix + "session-expiry" }

// watch runs fn under WATCH with bounded optimistic retries.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction kept failing: %w", err)
}

// CreateChallenge persists a challenge with a TTL matching its expiry.
func (s *RedisStore) CreateChallenge(ctx context.Context, ch *core.Challenge) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshaling challenge: %w", err)
	}
	ttl := time.Until(ch.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, s.challengeKey(ch.WalletAddress, ch.Code), payload, ttl).Err(); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge atomically removes and returns the matching challenge.
// GETDEL makes double consumption impossible without a WATCH cycle.
func (s *RedisStore) ConsumeChallenge(ctx context.Context, walletAddress, code string, now time.Time) (*core.Challenge, error) {
	payload, err := s.client.GetDel(ctx, s.challengeKey(walletAddress, code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrChallengeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	var ch core.Challenge
	if err := json.Unmarshal([]byte(payload), &ch); err != nil {
		return nil, fmt.Errorf("unmarshaling challenge: %w", err)
	}
	if ch.Used {
		return nil, core.ErrChallengeInvalid
	}
	if ch.Expired(now) {
		return nil, core.ErrChallengeExpired
	}
	ch.Used = true
	return &ch, nil
}

// DeleteExpiredChallenges is a no-op: challenge TTLs make Redis reap them.
func (s *RedisStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) loadKey(ctx context.Context, c redis.Cmdable, id string) (*core.AuthKey, error) {
	payload, err := c.Get(ctx, s.keyKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrKeyInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	var k core.AuthKey
	if err := json.Unmarshal([]byte(payload), &k); err != nil {
		return nil, fmt.Errorf("unmarshaling key: %w", err)
	}
	return &k, nil
}

func (s *RedisStore) walletKeys(ctx context.Context, c redis.Cmdable, wallet string) ([]*core.AuthKey, error) {
	ids, err := c.SMembers(ctx, s.walletKeysIdx(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing wallet key ids: %w", err)
	}
	keys := make([]*core.AuthKey, 0, len(ids))
	for _, id := range ids {
		k, err := s.loadKey(ctx, c, id)
		if errors.Is(err, core.ErrKeyInvalidOrExpired) {
			continue // index entry for a deleted row
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// RegisterKey enforces capacity and uniqueness under WATCH, then writes the
// key row and its indexes in one MULTI/EXEC.
func (s *RedisStore) RegisterKey(ctx context.Context, key *core.AuthKey, maxActive int, replaceExisting bool) error {
	watched := []string{s.pubKeyIdx(key.PublicKey), s.walletKeysIdx(key.WalletAddress)}

	return s.watch(ctx, func(tx *redis.Tx) error {
		existing := (*core.AuthKey)(nil)
		keys, err := s.walletKeys(ctx, tx, key.WalletAddress)
		if err != nil {
			return err
		}

		if replaceExisting && len(keys) > 0 {
			sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
			existing = keys[0]
		}

		if existing == nil {
			active := 0
			for _, k := range keys {
				if k.Usable(key.CreatedAt) {
					active++
				}
			}
			if active >= maxActive {
				return core.ErrKeyCapacityExceeded
			}
		}

		owner, err := tx.Get(ctx, s.pubKeyIdx(key.PublicKey)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("checking public key index: %w", err)
		}
		if err == nil && (existing == nil || owner != existing.ID) {
			return core.ErrPublicKeyExists
		}

		row := *key
		if existing != nil {
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
		}
		payload, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling key: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if existing != nil && existing.PublicKey != row.PublicKey {
				pipe.Del(ctx, s.pubKeyIdx(existing.PublicKey))
			}
			pipe.Set(ctx, s.keyKey(row.ID), payload, 0)
			pipe.Set(ctx, s.pubKeyIdx(row.PublicKey), row.ID, 0)
			pipe.SAdd(ctx, s.walletKeysIdx(row.WalletAddress), row.ID)
			return nil
		})
		return err
	}, watched...)
}

// ActiveKey returns the active, unexpired key for (wallet, publicKey).
func (s *RedisStore) ActiveKey(ctx context.Context, walletAddress, publicKey string, now time.Time) (*core.AuthKey, error) {
	id, err := s.client.Get(ctx, s.pubKeyIdx(publicKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrKeyInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("resolving public key: %w", err)
	}

	k, err := s.loadKey(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if k.WalletAddress != walletAddress || !k.Usable(now) {
		return nil, core.ErrKeyInvalidOrExpired
	}
	return k, nil
}

// KeyByID returns the key with the given id.
func (s *RedisStore) KeyByID(ctx context.Context, id string) (*core.AuthKey, error) {
	return s.loadKey(ctx, s.client, id)
}

// KeysByWallet lists every key row for a wallet, newest first.
func (s *RedisStore) KeysByWallet(ctx context.Context, walletAddress string) ([]*core.AuthKey, error) {
	keys, err := s.walletKeys(ctx, s.client, walletAddress)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *RedisStore) storeKeyRow(ctx context.Context, k *core.AuthKey) error {
	payload, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}
	if err := s.client.Set(ctx, s.keyKey(k.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}
	return nil
}

// TouchKey updates the key's last-used timestamp.
func (s *RedisStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	k, err := s.loadKey(ctx, s.client, id)
	if errors.Is(err, core.ErrKeyInvalidOrExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	k.LastUsedAt = at
	return s.storeKeyRow(ctx, k)
}

// RevokeKeys marks matching active keys as revoked and returns their ids.
func (s *RedisStore) RevokeKeys(ctx context.Context, walletAddress, publicKey string) ([]string, error) {
	keys, err := s.walletKeys(ctx, s.client, walletAddress)
	if err != nil {
		return nil, err
	}

	var revoked []string
	for _, k := range keys {
		if k.Status != core.KeyStatusActive {
			continue
		}
		if publicKey != "" && k.PublicKey != publicKey {
			continue
		}
		k.Status = core.KeyStatusRevoked
		if err := s.storeKeyRow(ctx, k); err != nil {
			return nil, err
		}
		revoked = append(revoked, k.ID)
	}
	return revoked, nil
}

func (s *RedisStore) loadSession(ctx context.Context, c redis.Cmdable, token string) (*core.AuthSession, error) {
	payload, err := c.Get(ctx, s.sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess core.AuthSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) storeSessionRow(ctx context.Context, c redis.Cmdable, sess *core.AuthSession, keepTTL bool) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if keepTTL {
		ttl = redis.KeepTTL
	} else if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.Set(ctx, s.sessionKey(sess.Token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// CreateSession evicts the key's oldest sessions beyond capacity and
// inserts the new session under WATCH on the key's session index.
func (s *RedisStore) CreateSession(ctx context.Context, sess *core.AuthSession, maxActivePerKey int) (int, error) {
	evicted := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		evicted = 0

		tokens, err := tx.ZRange(ctx, s.keySessionsIdx(sess.KeyID), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("listing key sessions: %w", err)
		}

		var active []*core.AuthSession
		for _, token := range tokens {
			cur, err := s.loadSession(ctx, tx, token)
			if errors.Is(err, core.ErrSessionInvalid) {
				continue // reaped by TTL, index entry is stale
			}
			if err != nil {
				return err
			}
			if cur.Active {
				active = append(active, cur)
			}
		}
		sort.Slice(active, func(i, j int) bool { return active[i].LoginAt.Before(active[j].LoginAt) })

		var toEvict []*core.AuthSession
		if excess := len(active) - (maxActivePerKey - 1); excess > 0 {
			toEvict = active[:excess]
		}

		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		ttl := time.Until(sess.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, old := range toEvict {
				old.Active = false
				oldPayload, err := json.Marshal(old)
				if err != nil {
					return fmt.Errorf("marshaling evicted session: %w", err)
				}
				pipe.Set(ctx, s.sessionKey(old.Token), oldPayload, redis.KeepTTL)
			}
			pipe.Set(ctx, s.sessionKey(sess.Token), payload, ttl)
			pipe.ZAdd(ctx, s.keySessionsIdx(sess.KeyID), redis.Z{Score: float64(sess.LoginAt.Unix()), Member: sess.Token})
			pipe.ZAdd(ctx, s.walletSessionsIdx(sess.WalletAddress), redis.Z{Score: float64(sess.LoginAt.Unix()), Member: sess.Token})
			pipe.ZAdd(ctx, s.sessionExpiryIdx(), redis.Z{Score: float64(sess.ExpiresAt.Unix()), Member: sess.Token})
			return nil
		})
		if err != nil {
			return err
		}
		evicted = len(toEvict)
		return nil
	}, s.keySessionsIdx(sess.KeyID))
	return evicted, err
}

// SessionByToken returns the session with the given token.
func (s *RedisStore) SessionByToken(ctx context.Context, sessionToken string) (*core.AuthSession, error) {
	return s.loadSession(ctx, s.client, sessionToken)
}

// ExtendSession moves the session's expiry and last-activity forward.
func (s *RedisStore) ExtendSession(ctx context.Context, sessionToken string, expiresAt, activityAt time.Time) error {
	sess, err := s.loadSession(ctx, s.client, sessionToken)
	if err != nil {
		return err
	}
	sess.ExpiresAt = expiresAt
	sess.LastActivityAt = activityAt
	if err := s.storeSessionRow(ctx, s.client, sess, false); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, s.sessionExpiryIdx(), redis.Z{Score: float64(expiresAt.Unix()), Member: sessionToken}).Err(); err != nil {
		return fmt.Errorf("updating session expiry index: %w", err)
	}
	return nil
}

// TouchSession updates the session's last-activity timestamp.
func (s *RedisStore) TouchSession(ctx context.Context, sessionToken string, at time.Time) error {
	sess, err := s.loadSession(ctx, s.client, sessionToken)
	if errors.Is(err, core.ErrSessionInvalid) {
		return nil
	}
	if err != nil {
		return err
	}
	sess.LastActivityAt = at
	return s.storeSessionRow(ctx, s.client, sess, true)
}

// DeactivateSession deactivates one session; missing rows are ignored.
func (s *RedisStore) DeactivateSession(ctx context.Context, sessionToken string) error {
	sess, err := s.loadSession(ctx, s.client, sessionToken)
	if errors.Is(err, core.ErrSessionInvalid) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.Active {
		return nil
	}
	sess.Active = false
	return s.storeSessionRow(ctx, s.client, sess, true)
}

// DeactivateSessionsForKeys deactivates every active session of the keys.
func (s *RedisStore) DeactivateSessionsForKeys(ctx context.Context, keyIDs []string) (int, error) {
	deactivated := 0
	for _, keyID := range keyIDs {
		tokens, err := s.client.ZRange(ctx, s.keySessionsIdx(keyID), 0, -1).Result()
		if err != nil {
			return deactivated, fmt.Errorf("listing key sessions: %w", err)
		}
		for _, token := range tokens {
			sess, err := s.loadSession(ctx, s.client, token)
			if errors.Is(err, core.ErrSessionInvalid) {
				continue
			}
			if err != nil {
				return deactivated, err
			}
			if !sess.Active {
				continue
			}
			sess.Active = false
			if err := s.storeSessionRow(ctx, s.client, sess, true); err != nil {
				return deactivated, err
			}
			deactivated++
		}
	}
	return deactivated, nil
}

// SessionsByWallet lists a wallet's sessions, newest first.
func (s *RedisStore) SessionsByWallet(ctx context.Context, walletAddress string, includeInactive bool) ([]*core.AuthSession, error) {
	tokens, err := s.client.ZRevRange(ctx, s.walletSessionsIdx(walletAddress), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing wallet sessions: %w", err)
	}

	now := time.Now()
	var out []*core.AuthSession
	for _, token := range tokens {
		sess, err := s.loadSession(ctx, s.client, token)
		if errors.Is(err, core.ErrSessionInvalid) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !includeInactive && !sess.Usable(now) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteExpiredSessions drops expired rows and prunes the indexes. Rows are
// usually gone already through their TTL; this reclaims the index entries.
func (s *RedisStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	max := fmt.Sprintf("%d", now.Unix())
	tokens, err := s.client.ZRangeByScore(ctx, s.sessionExpiryIdx(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}

	deleted := 0
	for _, token := range tokens {
		sess, err := s.loadSession(ctx, s.client, token)
		if err == nil {
			s.client.Del(ctx, s.sessionKey(token))
			s.client.ZRem(ctx, s.keySessionsIdx(sess.KeyID), token)
			s.client.ZRem(ctx, s.walletSessionsIdx(sess.WalletAddress), token)
			deleted++
		} else if !errors.Is(err, core.ErrSessionInvalid) {
			return deleted, err
		}
		s.client.ZRem(ctx, s.sessionExpiryIdx(), token)
	}
	return deleted, nil
}

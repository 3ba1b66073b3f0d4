package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/ports"
)

// MemoryStore is an in-memory implementation of the store ports. It backs
// tests and single-instance development runs; the composite operations are
// made atomic by a single mutex.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]*core.Challenge  // wallet|code
	keys       map[string]*core.AuthKey    // key id
	sessions   map[string]*core.AuthSession // session token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*core.Challenge),
		keys:       make(map[string]*core.AuthKey),
		sessions:   make(map[string]*core.AuthSession),
	}
}

var _ ports.Store = (*MemoryStore)(nil)

func challengeKey(wallet, code string) string { return wallet + "|" + code }

// CreateChallenge persists a new challenge row.
func (s *MemoryStore) CreateChallenge(ctx context.Context, ch *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ch
	s.challenges[challengeKey(ch.WalletAddress, ch.Code)] = &cp
	return nil
}

// ConsumeChallenge atomically finds and marks used a matching challenge.
func (s *MemoryStore) ConsumeChallenge(ctx context.Context, walletAddress, code string, now time.Time) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[challengeKey(walletAddress, code)]
	if !ok || ch.Used {
		return nil, core.ErrChallengeInvalid
	}
	if ch.Expired(now) {
		return nil, core.ErrChallengeExpired
	}
	ch.Used = true
	cp := *ch
	return &cp, nil
}

// DeleteExpiredChallenges removes every expired challenge, used or not.
func (s *MemoryStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, ch := range s.challenges {
		if ch.Expired(now) {
			delete(s.challenges, k)
			deleted++
		}
	}
	return deleted, nil
}

// RegisterKey enforces public key uniqueness and the per-wallet capacity,
// then inserts the key, or overwrites the wallet's existing row when
// replaceExisting is set.
func (s *MemoryStore) RegisterKey(ctx context.Context, key *core.AuthKey, maxActive int, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *core.AuthKey
	if replaceExisting {
		for _, k := range s.keys {
			if k.WalletAddress == key.WalletAddress {
				existing = k
				break
			}
		}
	}

	if existing == nil {
		active := 0
		for _, k := range s.keys {
			if k.WalletAddress == key.WalletAddress && k.Usable(key.CreatedAt) {
				active++
			}
		}
		if active >= maxActive {
			return core.ErrKeyCapacityExceeded
		}
	}

	for _, k := range s.keys {
		if k.PublicKey == key.PublicKey && (existing == nil || k.ID != existing.ID) {
			return core.ErrPublicKeyExists
		}
	}

	if existing != nil {
		cp := *key
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		s.keys[existing.ID] = &cp
		return nil
	}

	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

// ActiveKey returns the active, unexpired key for (wallet, publicKey).
func (s *MemoryStore) ActiveKey(ctx context.Context, walletAddress, publicKey string, now time.Time) (*core.AuthKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.WalletAddress == walletAddress && k.PublicKey == publicKey && k.Usable(now) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, core.ErrKeyInvalidOrExpired
}

// KeyByID returns the key with the given id.
func (s *MemoryStore) KeyByID(ctx context.Context, id string) (*core.AuthKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, core.ErrKeyInvalidOrExpired
	}
	cp := *k
	return &cp, nil
}

// KeysByWallet lists every key row for a wallet, newest first.
func (s *MemoryStore) KeysByWallet(ctx context.Context, walletAddress string) ([]*core.AuthKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.AuthKey
	for _, k := range s.keys {
		if k.WalletAddress == walletAddress {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// TouchKey updates the key's last-used timestamp.
func (s *MemoryStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		k.LastUsedAt = at
	}
	return nil
}

// RevokeKeys marks matching active keys as revoked and returns their ids.
func (s *MemoryStore) RevokeKeys(ctx context.Context, walletAddress, publicKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []string
	for _, k := range s.keys {
		if k.WalletAddress != walletAddress || k.Status != core.KeyStatusActive {
			continue
		}
		if publicKey != "" && k.PublicKey != publicKey {
			continue
		}
		k.Status = core.KeyStatusRevoked
		revoked = append(revoked, k.ID)
	}
	return revoked, nil
}

// CreateSession evicts the key's oldest sessions beyond capacity and
// inserts the new session.
func (s *MemoryStore) CreateSession(ctx context.Context, sess *core.AuthSession, maxActivePerKey int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*core.AuthSession
	for _, cur := range s.sessions {
		if cur.KeyID == sess.KeyID && cur.Active {
			active = append(active, cur)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].LoginAt.Before(active[j].LoginAt) })

	evicted := 0
	if excess := len(active) - (maxActivePerKey - 1); excess > 0 {
		for _, old := range active[:excess] {
			old.Active = false
			evicted++
		}
	}

	cp := *sess
	s.sessions[sess.Token] = &cp
	return evicted, nil
}

// SessionByToken returns the session with the given token.
func (s *MemoryStore) SessionByToken(ctx context.Context, sessionToken string) (*core.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionToken]
	if !ok {
		return nil, core.ErrSessionInvalid
	}
	cp := *sess
	return &cp, nil
}

// ExtendSession moves the session's expiry and last-activity forward.
func (s *MemoryStore) ExtendSession(ctx context.Context, sessionToken string, expiresAt, activityAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionToken]
	if !ok {
		return core.ErrSessionInvalid
	}
	sess.ExpiresAt = expiresAt
	sess.LastActivityAt = activityAt
	return nil
}

// TouchSession updates the session's last-activity timestamp.
func (s *MemoryStore) TouchSession(ctx context.Context, sessionToken string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionToken]; ok {
		sess.LastActivityAt = at
	}
	return nil
}

// DeactivateSession deactivates one session; missing sessions are ignored.
func (s *MemoryStore) DeactivateSession(ctx context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionToken]; ok {
		sess.Active = false
	}
	return nil
}

// DeactivateSessionsForKeys deactivates every active session of the keys.
func (s *MemoryStore) DeactivateSessionsForKeys(ctx context.Context, keyIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		ids[id] = struct{}{}
	}

	deactivated := 0
	for _, sess := range s.sessions {
		if _, ok := ids[sess.KeyID]; ok && sess.Active {
			sess.Active = false
			deactivated++
		}
	}
	return deactivated, nil
}

// SessionsByWallet lists a wallet's sessions, newest first.
func (s *MemoryStore) SessionsByWallet(ctx context.Context, walletAddress string, includeInactive bool) ([]*core.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []*core.AuthSession
	for _, sess := range s.sessions {
		if sess.WalletAddress != walletAddress {
			continue
		}
		if !includeInactive && !sess.Usable(now) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoginAt.After(out[j].LoginAt) })
	return out, nil
}

// DeleteExpiredSessions removes sessions whose expiry has passed.
func (s *MemoryStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for token, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, token)
			deleted++
		}
	}
	return deleted, nil
}

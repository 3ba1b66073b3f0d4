package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/ports"
	"github.com/layer-3/talisman/token"
)

// Config tunes the wallet auth protocol.
type Config struct {
	// ChallengeTTL is how long an issued challenge can be answered.
	ChallengeTTL time.Duration

	// SessionTTL is the lifetime of a session, and the amount a refresh
	// extends it by.
	SessionTTL time.Duration

	// ReplayWindow is the accepted skew between a signed timestamp and
	// server time.
	ReplayWindow time.Duration

	// KeyTTL is the default key lifetime when the client does not request
	// a custom one.
	KeyTTL time.Duration

	// MaxKeysPerWallet caps active keys per wallet address.
	MaxKeysPerWallet int

	// MaxSessionsPerKey caps active sessions per key; creating past the cap
	// evicts the oldest.
	MaxSessionsPerKey int

	// SingleKeyPerWallet makes registration overwrite the wallet's existing
	// key row instead of inserting a new one.
	SingleKeyPerWallet bool
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:      10 * time.Minute,
		SessionTTL:        24 * time.Hour,
		ReplayWindow:      time.Hour,
		KeyTTL:            365 * 24 * time.Hour,
		MaxKeysPerWallet:  5,
		MaxSessionsPerKey: 3,
	}
}

// AuthService orchestrates the wallet authentication protocol. It holds no
// state across requests; every transition lives in the store, so any number
// of instances can run against the same backend.
type AuthService struct {
	store    ports.Store
	verifier ports.SignatureVerifier
	events   ports.EventPublisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthService creates a new wallet authentication service. events may be
// nil to disable revocation fan-out.
func NewAuthService(store ports.Store, verifier ports.SignatureVerifier, events ports.EventPublisher, cfg Config) *AuthService {
	return &AuthService{
		store:    store,
		verifier: verifier,
		events:   events,
		cfg:      cfg,
		logger:   slog.Default().With("component", "auth"),
		now:      time.Now,
	}
}

// InitiateParams is the input to InitiateAuth.
type InitiateParams struct {
	WalletAddress string
	Client        core.ClientMeta
	Network       core.NetworkMeta
}

// InitiateResult is the issued challenge.
type InitiateResult struct {
	ChallengeCode string
	ExpiresAt     time.Time
	Instructions  string
}

// InitiateAuth issues a fresh challenge for the wallet. Expired challenges
// are cleaned up opportunistically on the way.
func (s *AuthService) InitiateAuth(ctx context.Context, p InitiateParams) (*InitiateResult, error) {
	now := s.now()

	// Best effort; a failed cleanup must not block the login flow.
	if _, err := s.store.DeleteExpiredChallenges(ctx, now); err != nil {
		s.logger.Warn("expired challenge cleanup failed", "error", err)
	}

	code, err := token.Generate(token.ChallengeCodeBytes)
	if err != nil {
		return nil, fmt.Errorf("generating challenge code: %w", err)
	}

	ch := &core.Challenge{
		ID:               uuid.New().String(),
		WalletAddress:    p.WalletAddress,
		Code:             code,
		ExpectedResponse: token.ChallengeResponse(code, p.WalletAddress),
		ExpiresAt:        now.Add(s.cfg.ChallengeTTL),
		Client:           p.Client,
		Network:          p.Network,
		CreatedAt:        now,
	}
	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		s.logger.Error("failed to persist challenge", "wallet", p.WalletAddress, "error", err)
		return nil, fmt.Errorf("persisting challenge: %w", err)
	}

	return &InitiateResult{
		ChallengeCode: code,
		ExpiresAt:     ch.ExpiresAt,
		Instructions: fmt.Sprintf(
			"Submit sha256(%q) as challengeResponse to register-key before %s. "+
				"To authenticate, sign \"{walletAddress}:{timestamp}\" with your wallet's private key.",
			code+":"+p.WalletAddress, ch.ExpiresAt.UTC().Format(time.RFC3339),
		),
	}, nil
}

// RegisterKeyParams is the input to RegisterKey.
type RegisterKeyParams struct {
	WalletAddress     string
	PublicKey         string
	ChallengeCode     string
	ChallengeResponse string
	DeviceFingerprint string
	DeviceType        string
	ExpirationHours   int
}

// RegisterKeyResult is the registered key.
type RegisterKeyResult struct {
	PublicKey string
	ExpiresAt time.Time
	Status    core.KeyStatus
}

// RegisterKey consumes a challenge and binds the public key to the wallet.
// The challenge is consumed up front, so a failed registration burns it and
// the client must initiate again.
func (s *AuthService) RegisterKey(ctx context.Context, p RegisterKeyParams) (*RegisterKeyResult, error) {
	now := s.now()

	ch, err := s.store.ConsumeChallenge(ctx, p.WalletAddress, p.ChallengeCode, now)
	if err != nil {
		return nil, err
	}

	if !token.VerifyResponse(ch.Code, ch.WalletAddress, p.ChallengeResponse) {
		return nil, core.ErrChallengeResponseInvalid
	}

	_, salt, hash, err := token.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generating key secret: %w", err)
	}

	keyTTL := s.cfg.KeyTTL
	if p.ExpirationHours > 0 {
		keyTTL = time.Duration(p.ExpirationHours) * time.Hour
	}

	key := &core.AuthKey{
		ID:                uuid.New().String(),
		WalletAddress:     p.WalletAddress,
		PublicKey:         p.PublicKey,
		SecretHash:        hash,
		SecretSalt:        salt,
		Status:            core.KeyStatusActive,
		ExpiresAt:         now.Add(keyTTL),
		DeviceFingerprint: p.DeviceFingerprint,
		DeviceType:        p.DeviceType,
		CreatedAt:         now,
	}
	if err := s.store.RegisterKey(ctx, key, s.cfg.MaxKeysPerWallet, s.cfg.SingleKeyPerWallet); err != nil {
		return nil, err
	}

	s.logger.Info("key registered", "wallet", p.WalletAddress, "key_id", key.ID)
	return &RegisterKeyResult{
		PublicKey: key.PublicKey,
		ExpiresAt: key.ExpiresAt,
		Status:    key.Status,
	}, nil
}

// AuthenticateParams is the input to Authenticate.
type AuthenticateParams struct {
	WalletAddress     string
	PublicKey         string
	Signature         string
	Timestamp         int64
	DeviceFingerprint string
	Network           core.NetworkMeta
}

// AuthResult is the issued or refreshed session.
type AuthResult struct {
	SessionToken  string
	ExpiresAt     time.Time
	WalletAddress string
	PublicKey     string
}

// Authenticate verifies a signature over "{walletAddress}:{timestamp}" and
// issues a new session, evicting the key's oldest sessions past capacity.
func (s *AuthService) Authenticate(ctx context.Context, p AuthenticateParams) (*AuthResult, error) {
	now := s.now()

	key, err := s.store.ActiveKey(ctx, p.WalletAddress, p.PublicKey, now)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("%s:%d", p.WalletAddress, p.Timestamp)
	if err := s.verifier.Verify([]byte(message), p.Signature, p.PublicKey); err != nil {
		return nil, err
	}

	skew := now.Sub(time.Unix(p.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.ReplayWindow {
		return nil, core.ErrTimestampOutOfRange
	}

	// A changed fingerprint is a signal, not a failure: the signature already
	// proved key possession.
	if p.DeviceFingerprint != "" && key.DeviceFingerprint != "" && p.DeviceFingerprint != key.DeviceFingerprint {
		s.logger.Warn("device fingerprint mismatch",
			"wallet", p.WalletAddress, "key_id", key.ID)
	}

	sessionToken, err := token.Generate(token.SessionTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	sess := &core.AuthSession{
		Token:             sessionToken,
		WalletAddress:     p.WalletAddress,
		KeyID:             key.ID,
		PublicKey:         key.PublicKey,
		Active:            true,
		ExpiresAt:         now.Add(s.cfg.SessionTTL),
		LastActivityAt:    now,
		DeviceFingerprint: p.DeviceFingerprint,
		Network:           p.Network,
		LoginAt:           now,
	}
	evicted, err := s.store.CreateSession(ctx, sess, s.cfg.MaxSessionsPerKey)
	if err != nil {
		s.logger.Error("failed to create session", "wallet", p.WalletAddress, "error", err)
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if evicted > 0 {
		s.logger.Info("evicted oldest sessions", "key_id", key.ID, "count", evicted)
	}

	if err := s.store.TouchKey(ctx, key.ID, now); err != nil {
		s.logger.Warn("failed to update key last-used", "key_id", key.ID, "error", err)
	}

	return &AuthResult{
		SessionToken:  sess.Token,
		ExpiresAt:     sess.ExpiresAt,
		WalletAddress: sess.WalletAddress,
		PublicKey:     sess.PublicKey,
	}, nil
}

// RefreshToken extends an active session by the standard session window.
// The token value itself is not rotated.
func (s *AuthService) RefreshToken(ctx context.Context, sessionToken, walletAddress string) (*AuthResult, error) {
	now := s.now()

	sess, err := s.store.SessionByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if sess.WalletAddress != walletAddress || !sess.Usable(now) {
		return nil, core.ErrSessionInvalid
	}

	key, err := s.store.KeyByID(ctx, sess.KeyID)
	if err != nil {
		return nil, core.ErrKeyInactive
	}
	if !key.Usable(now) {
		return nil, core.ErrKeyInactive
	}

	expiresAt := now.Add(s.cfg.SessionTTL)
	if err := s.store.ExtendSession(ctx, sessionToken, expiresAt, now); err != nil {
		return nil, err
	}

	return &AuthResult{
		SessionToken:  sessionToken,
		ExpiresAt:     expiresAt,
		WalletAddress: sess.WalletAddress,
		PublicKey:     sess.PublicKey,
	}, nil
}

// SessionIdentity is the authenticated principal behind a session token.
type SessionIdentity struct {
	WalletAddress string
	PublicKey     string
}

// ValidateSession resolves a session token to its wallet identity. It is
// the hot path behind every guarded request and deliberately never errors:
// any miss, including a store fault, yields nil so guards produce a uniform
// rejection. Last activity is bumped as a side effect.
func (s *AuthService) ValidateSession(ctx context.Context, sessionToken string) *SessionIdentity {
	if sessionToken == "" {
		return nil
	}
	now := s.now()

	sess, err := s.store.SessionByToken(ctx, sessionToken)
	if err != nil {
		if !errors.Is(err, core.ErrSessionInvalid) {
			s.logger.Error("session lookup failed", "error", err)
		}
		return nil
	}
	if !sess.Usable(now) {
		return nil
	}

	if err := s.store.TouchSession(ctx, sessionToken, now); err != nil {
		s.logger.Warn("failed to update session activity", "error", err)
	}

	return &SessionIdentity{
		WalletAddress: sess.WalletAddress,
		PublicKey:     sess.PublicKey,
	}
}

// RevokeSession deactivates one session. Idempotent.
func (s *AuthService) RevokeSession(ctx context.Context, sessionToken string) error {
	sess, err := s.store.SessionByToken(ctx, sessionToken)
	if err != nil && !errors.Is(err, core.ErrSessionInvalid) {
		return fmt.Errorf("looking up session: %w", err)
	}

	if err := s.store.DeactivateSession(ctx, sessionToken); err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}

	if s.events != nil && sess != nil {
		if err := s.events.PublishSessionRevoked(ctx, sess.WalletAddress, sessionToken); err != nil {
			s.logger.Warn("failed to publish session revocation", "error", err)
		}
	}
	return nil
}

// RevokeKeys revokes one or all of the wallet's active keys and deactivates
// every session those keys owned. Returns the number of revoked keys.
func (s *AuthService) RevokeKeys(ctx context.Context, walletAddress, publicKey string) (int, error) {
	keyIDs, err := s.store.RevokeKeys(ctx, walletAddress, publicKey)
	if err != nil {
		return 0, fmt.Errorf("revoking keys: %w", err)
	}
	if len(keyIDs) == 0 {
		return 0, nil
	}

	sessions, err := s.store.DeactivateSessionsForKeys(ctx, keyIDs)
	if err != nil {
		return len(keyIDs), fmt.Errorf("deactivating sessions of revoked keys: %w", err)
	}
	s.logger.Info("keys revoked",
		"wallet", walletAddress, "keys", len(keyIDs), "sessions", sessions)

	if s.events != nil {
		if err := s.events.PublishKeysRevoked(ctx, walletAddress, keyIDs); err != nil {
			s.logger.Warn("failed to publish key revocation", "error", err)
		}
	}
	return len(keyIDs), nil
}

// KeySummary is the read model for key listings.
type KeySummary struct {
	PublicKey         string
	Status            core.KeyStatus
	ExpiresAt         time.Time
	LastUsedAt        time.Time
	DeviceFingerprint string
	DeviceType        string
	CreatedAt         time.Time
}

// ListKeys lists the wallet's keys, newest first.
func (s *AuthService) ListKeys(ctx context.Context, walletAddress string) ([]KeySummary, error) {
	keys, err := s.store.KeysByWallet(ctx, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	out := make([]KeySummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeySummary{
			PublicKey:         k.PublicKey,
			Status:            k.Status,
			ExpiresAt:         k.ExpiresAt,
			LastUsedAt:        k.LastUsedAt,
			DeviceFingerprint: k.DeviceFingerprint,
			DeviceType:        k.DeviceType,
			CreatedAt:         k.CreatedAt,
		})
	}
	return out, nil
}

// SessionSummary is the read model for session listings.
type SessionSummary struct {
	SessionToken   string
	Active         bool
	ExpiresAt      time.Time
	LastActivityAt time.Time
	IPAddress      string
	UserAgent      string
	LoginAt        time.Time
}

// ListSessions lists the wallet's sessions, newest first.
func (s *AuthService) ListSessions(ctx context.Context, walletAddress string, includeInactive bool) ([]SessionSummary, error) {
	sessions, err := s.store.SessionsByWallet(ctx, walletAddress, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionSummary{
			SessionToken:   sess.Token,
			Active:         sess.Active,
			ExpiresAt:      sess.ExpiresAt,
			LastActivityAt: sess.LastActivityAt,
			IPAddress:      sess.Network.IPAddress,
			UserAgent:      sess.Network.UserAgent,
			LoginAt:        sess.LoginAt,
		})
	}
	return out, nil
}

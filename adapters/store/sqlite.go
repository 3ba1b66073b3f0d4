package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/ports"
)

// SQLiteStore implements the store ports on SQLite. Timestamps are kept as
// unix seconds so expiry comparisons never depend on text collation, and
// every check-then-act section runs inside a single transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ports.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the database at path and
// ensures the schema exists. Parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers from blocking the janitor's deletes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS challenges (
			id                 TEXT PRIMARY KEY,
			wallet_address     TEXT NOT NULL,
			code               TEXT NOT NULL,
			expected_response  TEXT NOT NULL,
			expires_at         INTEGER NOT NULL,
			used               INTEGER NOT NULL DEFAULT 0,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			device_type        TEXT NOT NULL DEFAULT '',
			metadata           TEXT NOT NULL DEFAULT '',
			ip_address         TEXT NOT NULL DEFAULT '',
			user_agent         TEXT NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_challenges_wallet_code
			ON challenges(wallet_address, code);
		CREATE INDEX IF NOT EXISTS idx_challenges_expires
			ON challenges(expires_at);

		CREATE TABLE IF NOT EXISTS auth_keys (
			id                 TEXT PRIMARY KEY,
			wallet_address     TEXT NOT NULL,
			public_key         TEXT NOT NULL UNIQUE,
			secret_hash        TEXT NOT NULL,
			secret_salt        TEXT NOT NULL,
			status             TEXT NOT NULL,
			expires_at         INTEGER NOT NULL,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			device_type        TEXT NOT NULL DEFAULT '',
			last_used_at       INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,

			CHECK (status IN ('ACTIVE', 'REVOKED'))
		);

		CREATE INDEX IF NOT EXISTS idx_auth_keys_wallet ON auth_keys(wallet_address);

		CREATE TABLE IF NOT EXISTS auth_sessions (
			token              TEXT PRIMARY KEY,
			wallet_address     TEXT NOT NULL,
			key_id             TEXT NOT NULL,
			public_key         TEXT NOT NULL,
			active             INTEGER NOT NULL DEFAULT 1,
			expires_at         INTEGER NOT NULL,
			last_activity_at   INTEGER NOT NULL,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			ip_address         TEXT NOT NULL DEFAULT '',
			user_agent         TEXT NOT NULL DEFAULT '',
			login_at           INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_auth_sessions_key ON auth_sessions(key_id, active);
		CREATE INDEX IF NOT EXISTS idx_auth_sessions_wallet ON auth_sessions(wallet_address);
		CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires ON auth_sessions(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// CreateChallenge persists a new challenge row.
func (s *SQLiteStore) CreateChallenge(ctx context.Context, ch *core.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (
			id, wallet_address, code, expected_response, expires_at, used,
			device_fingerprint, device_type, metadata, ip_address, user_agent, created_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.WalletAddress, ch.Code, ch.ExpectedResponse, ch.ExpiresAt.Unix(),
		ch.Client.DeviceFingerprint, ch.Client.DeviceType, ch.Client.Metadata,
		ch.Network.IPAddress, ch.Network.UserAgent, ch.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge atomically finds and marks used a matching challenge.
func (s *SQLiteStore) ConsumeChallenge(ctx context.Context, walletAddress, code string, now time.Time) (*core.Challenge, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		ch        core.Challenge
		expiresAt int64
		createdAt int64
		used      bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, wallet_address, code, expected_response, expires_at, used,
		       device_fingerprint, device_type, metadata, ip_address, user_agent, created_at
		FROM challenges WHERE wallet_address = ? AND code = ?`,
		walletAddress, code,
	).Scan(
		&ch.ID, &ch.WalletAddress, &ch.Code, &ch.ExpectedResponse, &expiresAt, &used,
		&ch.Client.DeviceFingerprint, &ch.Client.DeviceType, &ch.Client.Metadata,
		&ch.Network.IPAddress, &ch.Network.UserAgent, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrChallengeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("selecting challenge: %w", err)
	}

	ch.ExpiresAt = timeOrZero(expiresAt)
	ch.CreatedAt = timeOrZero(createdAt)
	if used {
		return nil, core.ErrChallengeInvalid
	}
	if ch.Expired(now) {
		return nil, core.ErrChallengeExpired
	}

	if _, err := tx.ExecContext(ctx, `UPDATE challenges SET used = 1 WHERE id = ?`, ch.ID); err != nil {
		return nil, fmt.Errorf("marking challenge used: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing challenge consumption: %w", err)
	}

	ch.Used = true
	return &ch, nil
}

// DeleteExpiredChallenges removes every expired challenge, used or not.
func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted challenges: %w", err)
	}
	return int(n), nil
}

// RegisterKey enforces capacity and uniqueness inside one transaction, then
// inserts the key or overwrites the wallet's existing row.
func (s *SQLiteStore) RegisterKey(ctx context.Context, key *core.AuthKey, maxActive int, replaceExisting bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existingID := ""
	if replaceExisting {
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM auth_keys WHERE wallet_address = ? ORDER BY created_at LIMIT 1`,
			key.WalletAddress,
		).Scan(&existingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("selecting existing key: %w", err)
		}
	}

	if existingID == "" {
		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM auth_keys
			WHERE wallet_address = ? AND status = ? AND expires_at > ?`,
			key.WalletAddress, core.KeyStatusActive, key.CreatedAt.Unix(),
		).Scan(&active)
		if err != nil {
			return fmt.Errorf("counting active keys: %w", err)
		}
		if active >= maxActive {
			return core.ErrKeyCapacityExceeded
		}
	}

	var duplicates int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auth_keys WHERE public_key = ? AND id != ?`,
		key.PublicKey, existingID,
	).Scan(&duplicates)
	if err != nil {
		return fmt.Errorf("checking public key uniqueness: %w", err)
	}
	if duplicates > 0 {
		return core.ErrPublicKeyExists
	}

	if existingID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE auth_keys SET
				public_key = ?, secret_hash = ?, secret_salt = ?, status = ?,
				expires_at = ?, device_fingerprint = ?, device_type = ?, last_used_at = 0
			WHERE id = ?`,
			key.PublicKey, key.SecretHash, key.SecretSalt, key.Status,
			key.ExpiresAt.Unix(), key.DeviceFingerprint, key.DeviceType, existingID,
		)
		if err != nil {
			return fmt.Errorf("overwriting key: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO auth_keys (
				id, wallet_address, public_key, secret_hash, secret_salt, status,
				expires_at, device_fingerprint, device_type, last_used_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key.ID, key.WalletAddress, key.PublicKey, key.SecretHash, key.SecretSalt,
			key.Status, key.ExpiresAt.Unix(), key.DeviceFingerprint, key.DeviceType,
			unixOrZero(key.LastUsedAt), key.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("inserting key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing key registration: %w", err)
	}
	return nil
}

const keyColumns = `id, wallet_address, public_key, secret_hash, secret_salt, status,
	expires_at, device_fingerprint, device_type, last_used_at, created_at`

func scanKey(row *sql.Row) (*core.AuthKey, error) {
	var (
		k          core.AuthKey
		expiresAt  int64
		lastUsedAt int64
		createdAt  int64
	)
	err := row.Scan(
		&k.ID, &k.WalletAddress, &k.PublicKey, &k.SecretHash, &k.SecretSalt, &k.Status,
		&expiresAt, &k.DeviceFingerprint, &k.DeviceType, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = timeOrZero(expiresAt)
	k.LastUsedAt = timeOrZero(lastUsedAt)
	k.CreatedAt = timeOrZero(createdAt)
	return &k, nil
}

// ActiveKey returns the active, unexpired key for (wallet, publicKey).
func (s *SQLiteStore) ActiveKey(ctx context.Context, walletAddress, publicKey string, now time.Time) (*core.AuthKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM auth_keys
		WHERE wallet_address = ? AND public_key = ? AND status = ? AND expires_at > ?`,
		walletAddress, publicKey, core.KeyStatusActive, now.Unix(),
	)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrKeyInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("selecting active key: %w", err)
	}
	return k, nil
}

// KeyByID returns the key with the given id.
func (s *SQLiteStore) KeyByID(ctx context.Context, id string) (*core.AuthKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM auth_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrKeyInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("selecting key: %w", err)
	}
	return k, nil
}

// KeysByWallet lists every key row for a wallet, newest first.
func (s *SQLiteStore) KeysByWallet(ctx context.Context, walletAddress string) ([]*core.AuthKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM auth_keys
		WHERE wallet_address = ? ORDER BY created_at DESC`,
		walletAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var out []*core.AuthKey
	for rows.Next() {
		var (
			k          core.AuthKey
			expiresAt  int64
			lastUsedAt int64
			createdAt  int64
		)
		err := rows.Scan(
			&k.ID, &k.WalletAddress, &k.PublicKey, &k.SecretHash, &k.SecretSalt, &k.Status,
			&expiresAt, &k.DeviceFingerprint, &k.DeviceType, &lastUsedAt, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		k.ExpiresAt = timeOrZero(expiresAt)
		k.LastUsedAt = timeOrZero(lastUsedAt)
		k.CreatedAt = timeOrZero(createdAt)
		out = append(out, &k)
	}
	return out, rows.Err()
}

// TouchKey updates the key's last-used timestamp.
func (s *SQLiteStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE auth_keys SET last_used_at = ? WHERE id = ?`, at.Unix(), id,
	); err != nil {
		return fmt.Errorf("touching key: %w", err)
	}
	return nil
}

// RevokeKeys marks matching active keys as revoked and returns their ids.
func (s *SQLiteStore) RevokeKeys(ctx context.Context, walletAddress, publicKey string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id FROM auth_keys WHERE wallet_address = ? AND status = ?`
	args := []any{walletAddress, core.KeyStatusActive}
	if publicKey != "" {
		query += ` AND public_key = ?`
		args = append(args, publicKey)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting keys to revoke: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning key id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys to revoke: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE auth_keys SET status = ? WHERE id = ?`, core.KeyStatusRevoked, id,
		); err != nil {
			return nil, fmt.Errorf("revoking key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing key revocation: %w", err)
	}
	return ids, nil
}

// CreateSession evicts the key's oldest sessions beyond capacity and
// inserts the new session, all in one transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *core.AuthSession, maxActivePerKey int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Keep the newest maxActivePerKey-1 so the insert lands exactly at the cap.
	res, err := tx.ExecContext(ctx, `
		UPDATE auth_sessions SET active = 0
		WHERE key_id = ? AND active = 1 AND token NOT IN (
			SELECT token FROM auth_sessions
			WHERE key_id = ? AND active = 1
			ORDER BY login_at DESC LIMIT ?
		)`,
		sess.KeyID, sess.KeyID, maxActivePerKey-1,
	)
	if err != nil {
		return 0, fmt.Errorf("evicting sessions: %w", err)
	}
	evicted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting evicted sessions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_sessions (
			token, wallet_address, key_id, public_key, active, expires_at,
			last_activity_at, device_fingerprint, ip_address, user_agent, login_at
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		sess.Token, sess.WalletAddress, sess.KeyID, sess.PublicKey,
		sess.ExpiresAt.Unix(), sess.LastActivityAt.Unix(), sess.DeviceFingerprint,
		sess.Network.IPAddress, sess.Network.UserAgent, sess.LoginAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing session creation: %w", err)
	}
	return int(evicted), nil
}

const sessionColumns = `token, wallet_address, key_id, public_key, active, expires_at,
	last_activity_at, device_fingerprint, ip_address, user_agent, login_at`

func scanSessionFields(scan func(dest ...any) error) (*core.AuthSession, error) {
	var (
		sess           core.AuthSession
		expiresAt      int64
		lastActivityAt int64
		loginAt        int64
	)
	err := scan(
		&sess.Token, &sess.WalletAddress, &sess.KeyID, &sess.PublicKey, &sess.Active,
		&expiresAt, &lastActivityAt, &sess.DeviceFingerprint,
		&sess.Network.IPAddress, &sess.Network.UserAgent, &loginAt,
	)
	if err != nil {
		return nil, err
	}
	sess.ExpiresAt = timeOrZero(expiresAt)
	sess.LastActivityAt = timeOrZero(lastActivityAt)
	sess.LoginAt = timeOrZero(loginAt)
	return &sess, nil
}

// SessionByToken returns the session with the given token.
func (s *SQLiteStore) SessionByToken(ctx context.Context, sessionToken string) (*core.AuthSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM auth_sessions WHERE token = ?`, sessionToken,
	)
	sess, err := scanSessionFields(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("selecting session: %w", err)
	}
	return sess, nil
}

// ExtendSession moves the session's expiry and last-activity forward.
func (s *SQLiteStore) ExtendSession(ctx context.Context, sessionToken string, expiresAt, activityAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET expires_at = ?, last_activity_at = ? WHERE token = ?`,
		expiresAt.Unix(), activityAt.Unix(), sessionToken,
	)
	if err != nil {
		return fmt.Errorf("extending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting extended sessions: %w", err)
	}
	if n == 0 {
		return core.ErrSessionInvalid
	}
	return nil
}

// TouchSession updates the session's last-activity timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionToken string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET last_activity_at = ? WHERE token = ?`,
		at.Unix(), sessionToken,
	); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// DeactivateSession deactivates one session; missing rows are ignored.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, sessionToken string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET active = 0 WHERE token = ?`, sessionToken,
	); err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}
	return nil
}

// DeactivateSessionsForKeys deactivates every active session of the keys.
func (s *SQLiteStore) DeactivateSessionsForKeys(ctx context.Context, keyIDs []string) (int, error) {
	if len(keyIDs) == 0 {
		return 0, nil
	}

	placeholders := ""
	args := make([]any, 0, len(keyIDs))
	for i, id := range keyIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET active = 0 WHERE active = 1 AND key_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivating sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deactivated sessions: %w", err)
	}
	return int(n), nil
}

// SessionsByWallet lists a wallet's sessions, newest first.
func (s *SQLiteStore) SessionsByWallet(ctx context.Context, walletAddress string, includeInactive bool) ([]*core.AuthSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM auth_sessions WHERE wallet_address = ?`
	args := []any{walletAddress}
	if !includeInactive {
		query += ` AND active = 1 AND expires_at > ?`
		args = append(args, time.Now().Unix())
	}
	query += ` ORDER BY login_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*core.AuthSession
	for rows.Next() {
		sess, err := scanSessionFields(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteExpiredSessions removes sessions whose expiry has passed.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return int(n), nil
}

package core

import "time"

// KeyStatus is the lifecycle status of a registered auth key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "ACTIVE"
	KeyStatusRevoked KeyStatus = "REVOKED"
)

// ClientMeta carries optional device information supplied by the client.
type ClientMeta struct {
	DeviceFingerprint string
	DeviceType        string
	Metadata          string
}

// NetworkMeta carries request-level network information.
type NetworkMeta struct {
	IPAddress string
	UserAgent string
}

// Challenge is a one-time random value a wallet must answer to register a key.
type Challenge struct {
	ID               string
	WalletAddress    string
	Code             string
	ExpectedResponse string
	ExpiresAt        time.Time
	Used             bool
	Client           ClientMeta
	Network          NetworkMeta
	CreatedAt        time.Time
}

// Expired reports whether the challenge can no longer be consumed.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// AuthKey is a public key registered against a wallet address. The secret
// hash/salt pair is a server-side artifact reserved for future symmetric
// operations; the plaintext secret is never stored.
type AuthKey struct {
	ID                string
	WalletAddress     string
	PublicKey         string
	SecretHash        string
	SecretSalt        string
	Status            KeyStatus
	ExpiresAt         time.Time
	DeviceFingerprint string
	DeviceType        string
	LastUsedAt        time.Time
	CreatedAt         time.Time
}

// Usable reports whether the key may authenticate right now. Key expiry is
// checked at read time, never swept.
func (k *AuthKey) Usable(now time.Time) bool {
	return k.Status == KeyStatusActive && now.Before(k.ExpiresAt)
}

// AuthSession is a bearer-token credential issued after successful
// signature authentication.
type AuthSession struct {
	Token             string
	WalletAddress     string
	KeyID             string
	PublicKey         string
	Active            bool
	ExpiresAt         time.Time
	LastActivityAt    time.Time
	DeviceFingerprint string
	Network           NetworkMeta
	LoginAt           time.Time
}

// Usable reports whether the session is active and unexpired.
func (s *AuthSession) Usable(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

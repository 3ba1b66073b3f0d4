package ports

import "context"

// EventPublisher notifies other instances about revocations.
type EventPublisher interface {
	PublishKeysRevoked(ctx context.Context, walletAddress string, keyIDs []string) error
	PublishSessionRevoked(ctx context.Context, walletAddress, sessionToken string) error
}

// Package events publishes auth lifecycle events so other instances can
// react to revocations.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/layer-3/talisman/ports"
)

const (
	// KeysRevokedTopic carries key revocation events.
	KeysRevokedTopic = "auth.key.revoked"

	// SessionRevokedTopic carries individual session revocation events.
	SessionRevokedTopic = "auth.session.revoked"
)

// KeysRevokedEvent is emitted when one or more keys of a wallet are revoked.
type KeysRevokedEvent struct {
	WalletAddress string   `json:"wallet_address"`
	KeyIDs        []string `json:"key_ids"`
}

// SessionRevokedEvent is emitted when a single session is revoked.
type SessionRevokedEvent struct {
	WalletAddress string `json:"wallet_address"`
	SessionToken  string `json:"session_token"`
}

// WatermillPublisher implements the EventPublisher port on Watermill.
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill-backed event publisher.
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

func (p *WatermillPublisher) publish(topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishKeysRevoked publishes a key revocation event.
func (p *WatermillPublisher) PublishKeysRevoked(ctx context.Context, walletAddress string, keyIDs []string) error {
	return p.publish(KeysRevokedTopic, KeysRevokedEvent{
		WalletAddress: walletAddress,
		KeyIDs:        keyIDs,
	})
}

// PublishSessionRevoked publishes a session revocation event.
func (p *WatermillPublisher) PublishSessionRevoked(ctx context.Context, walletAddress, sessionToken string) error {
	return p.publish(SessionRevokedTopic, SessionRevokedEvent{
		WalletAddress: walletAddress,
		SessionToken:  sessionToken,
	})
}

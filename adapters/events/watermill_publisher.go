package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// SessionTopic is where session lifecycle events are published
const SessionTopic = "walletauth.session"

const (
	TypeEstablished = "session.established"
	TypeInvalidated = "session.invalidated"
)

// SessionEvent is published when a wallet's session appears or goes away.
// The session value itself is never included.
type SessionEvent struct {
	Type      string    `json:"type"`
	Address   string    `json:"address"`
	AttemptID string    `json:"attempt_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     SessionTopic,
	}
}

// PublishSessionEstablished publishes a session.established event
func (p *WatermillPublisher) PublishSessionEstablished(ctx context.Context, artifact *core.SessionArtifact) error {
	return p.publish(ctx, SessionEvent{
		Type:      TypeEstablished,
		Address:   artifact.Address,
		AttemptID: artifact.AttemptID,
		ExpiresAt: artifact.ExpiresAt,
	})
}

// PublishSessionInvalidated publishes a session.invalidated event
func (p *WatermillPublisher) PublishSessionInvalidated(ctx context.Context, artifact *core.SessionArtifact, reason string) error {
	return p.publish(ctx, SessionEvent{
		Type:      TypeInvalidated,
		Address:   artifact.Address,
		AttemptID: artifact.AttemptID,
		ExpiresAt: artifact.ExpiresAt,
		Reason:    reason,
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, event SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", event.Type)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

package ports

import (
	"context"

	"github.com/layer-3/walletauth/core"
)

// EventPublisher notifies downstream collaborators about session changes
type EventPublisher interface {
	PublishSessionEstablished(ctx context.Context, artifact *core.SessionArtifact) error
	PublishSessionInvalidated(ctx context.Context, artifact *core.SessionArtifact, reason string) error
}

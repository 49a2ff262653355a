package ports

import (
	"context"
	"time"

	"github.com/layer-3/walletauth/core"
)

// SessionStore keeps one session artifact per wallet address
type SessionStore interface {
	// Put stores the artifact, replacing and returning any previous one for the same wallet
	Put(ctx context.Context, artifact *core.SessionArtifact) (*core.SessionArtifact, error)
	Get(ctx context.Context, address string) (*core.SessionArtifact, error)
	// Delete removes and returns the wallet's artifact
	Delete(ctx context.Context, address string) (*core.SessionArtifact, error)
}

// NonceLedger records consumed nonces
type NonceLedger interface {
	// Consume marks the nonce as used. It returns false if it was already consumed.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

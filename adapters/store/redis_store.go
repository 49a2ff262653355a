package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis session store and nonce ledger
type RedisStore struct {
	client      *redis.Client
	prefix      string
	noncePrefix string
}

var (
	_ ports.SessionStore = (*RedisStore)(nil)
	_ ports.NonceLedger  = (*RedisStore)(nil)
)

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      "walletauth:session:",
		noncePrefix: "walletauth:nonce:",
	}
}

// Put atomically swaps in the wallet's artifact and returns the previous one
func (s *RedisStore) Put(ctx context.Context, artifact *core.SessionArtifact) (*core.SessionArtifact, error) {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	args := redis.SetArgs{Get: true}
	if !artifact.ExpiresAt.IsZero() {
		args.ExpireAt = artifact.ExpiresAt
	}

	old, err := s.client.SetArgs(ctx, s.prefix+artifact.Address, payload, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	return decode(old)
}

// Get returns the wallet's artifact
func (s *RedisStore) Get(ctx context.Context, address string) (*core.SessionArtifact, error) {
	val, err := s.client.Get(ctx, s.prefix+address).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return decode(val)
}

// Delete removes the wallet's artifact
func (s *RedisStore) Delete(ctx context.Context, address string) (*core.SessionArtifact, error) {
	val, err := s.client.GetDel(ctx, s.prefix+address).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return decode(val)
}

// Consume marks a nonce as used with SETNX
func (s *RedisStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.noncePrefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return ok, nil
}

func decode(val string) (*core.SessionArtifact, error) {
	var artifact core.SessionArtifact
	if err := json.Unmarshal([]byte(val), &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &artifact, nil
}

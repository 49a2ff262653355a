package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// MemoryStore is an in-memory session store and nonce ledger
type MemoryStore struct {
	sessions map[string]core.SessionArtifact
	nonces   map[string]time.Time
	mu       sync.RWMutex
	now      func() time.Time
}

var (
	_ ports.SessionStore = (*MemoryStore)(nil)
	_ ports.NonceLedger  = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]core.SessionArtifact),
		nonces:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Put replaces the wallet's artifact and returns the previous one
func (s *MemoryStore) Put(ctx context.Context, artifact *core.SessionArtifact) (*core.SessionArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.sessions[artifact.Address]
	s.sessions[artifact.Address] = *artifact
	if !ok || prev.Expired(s.now()) {
		return nil, nil
	}
	return &prev, nil
}

// Get returns the wallet's live artifact
func (s *MemoryStore) Get(ctx context.Context, address string) (*core.SessionArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.sessions[address]
	if !ok || artifact.Expired(s.now()) {
		return nil, core.ErrSessionNotFound
	}
	return &artifact, nil
}

// Delete removes the wallet's artifact
func (s *MemoryStore) Delete(ctx context.Context, address string) (*core.SessionArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.sessions[address]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	delete(s.sessions, address)
	return &artifact, nil
}

// Consume marks a nonce as used until ttl passes
func (s *MemoryStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for n, exp := range s.nonces {
		if now.After(exp) {
			delete(s.nonces, n)
		}
	}

	if _, used := s.nonces[nonce]; used {
		return false, nil
	}
	s.nonces[nonce] = now.Add(ttl)
	return true, nil
}

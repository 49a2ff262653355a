package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
	"github.com/layer-3/walletauth/siwe"
)

// Options tune the handshake
type Options struct {
	NonceTTL      time.Duration // Budget from nonce issuance to exchange completion
	RetryAttempts uint          // Attempts for idempotent steps
	RetryBackoff  time.Duration // First backoff delay, doubled on every retry
	Precheck      bool          // Recover the signer locally before spending the nonce
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		NonceTTL:      5 * time.Minute,
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
		Precheck:      true,
	}
}

// Deps are the collaborators of the auth service
type Deps struct {
	Platform   ports.Platform
	Identity   ports.Identity
	Composer   *siwe.Composer
	NewSession ports.SessionFactory
	Store      ports.SessionStore
	Ledger     ports.NonceLedger
	Events     ports.EventPublisher
}

// attempt is an AuthAttempt together with the cookie-bound client it owns
type attempt struct {
	core.Attempt
	http ports.HTTPSession
}

// walletSlot serialises all work on one wallet address.
// refs is guarded by AuthService.mu; current by mu.
type walletSlot struct {
	mu      sync.Mutex
	current *attempt // The wallet's CHALLENGE_READY attempt, if any
	refs    int
}

// AuthService drives the wallet authentication handshake
type AuthService struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	wallets  map[string]*walletSlot
	attempts map[string]*attempt // Registered attempts; their Deadline never changes once here
}

// NewAuthService creates a new authentication service
func NewAuthService(deps Deps, opts Options) *AuthService {
	def := DefaultOptions()
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = def.NonceTTL
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}

	return &AuthService{
		deps:     deps,
		opts:     opts,
		now:      time.Now,
		wallets:  make(map[string]*walletSlot),
		attempts: make(map[string]*attempt),
	}
}

// Begin starts an attempt for the wallet, or returns the challenge of its still-valid one
func (s *AuthService) Begin(ctx context.Context, address string) (*core.Challenge, error) {
	return s.begin(ctx, address, false)
}

// Supersede discards the wallet's in-flight attempt and starts a new one
func (s *AuthService) Supersede(ctx context.Context, address string) (*core.Challenge, error) {
	return s.begin(ctx, address, true)
}

func (s *AuthService) begin(ctx context.Context, address string, supersede bool) (*core.Challenge, error) {
	addr, err := siwe.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	slot := s.slot(addr)
	defer s.release(slot)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	s.sweep()

	if cur := slot.current; cur != nil {
		if !supersede && cur.State == core.StateChallengeReady && !cur.Expired(s.now()) {
			slog.Info("Reusing in-flight attempt", "attempt_id", cur.ID, "address", addr)
			return cur.Challenge(), nil
		}
		reason := "superseded"
		if cur.Expired(s.now()) {
			reason = "expired"
		}
		slog.Info("Discarding attempt", "attempt_id", cur.ID, "address", addr, "reason", reason)
		cur.Fail()
		s.forget(slot, cur)
	}

	a, err := s.start(ctx, addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.attempts[a.ID] = a
	s.mu.Unlock()
	slot.current = a

	slog.Info("Challenge ready",
		"attempt_id", a.ID,
		"address", addr,
		"nonce_fp", fingerprint(a.Nonce),
		"expires_at", a.Deadline)

	return a.Challenge(), nil
}

// start runs INIT -> CHALLENGE_READY with one fresh cookie jar
func (s *AuthService) start(ctx context.Context, addr string) (*attempt, error) {
	hs, err := s.deps.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create http session: %w", err)
	}

	a := &attempt{
		Attempt: core.Attempt{
			ID:        uuid.NewString(),
			Address:   addr,
			State:     core.StateInit,
			CreatedAt: s.now(),
		},
		http: hs,
	}

	var csrf string
	err = s.retryIdempotent(ctx, "csrf", a.ID, func() error {
		var err error
		csrf, err = s.deps.Platform.FetchCSRF(ctx, a.http)
		return err
	})
	if err != nil {
		return nil, s.fail(nil, a, core.ErrPlatformUnreachable, core.RecoveryRestart, err)
	}
	a.CSRFToken = csrf
	if err := a.Advance(core.StateCSRFObtained); err != nil {
		return nil, err
	}

	// Never retried: a retry would mint a second nonce for this wallet
	a.IssuedAt = s.now()
	nonce, err := s.deps.Identity.IssueNonce(ctx, a.http)
	if err != nil {
		return nil, s.fail(nil, a, core.ErrNonceUnavailable, core.RecoveryRestart, err)
	}
	a.Nonce = nonce.Value
	a.Deadline = a.IssuedAt.Add(s.opts.NonceTTL)
	if !nonce.ExpiresAt.IsZero() && nonce.ExpiresAt.Before(a.Deadline) {
		a.Deadline = nonce.ExpiresAt
	}
	if err := a.Advance(core.StateNonceIssued); err != nil {
		return nil, err
	}

	a.Message = s.deps.Composer.Compose(addr, a.Nonce, a.IssuedAt)
	if err := a.Advance(core.StateChallengeReady); err != nil {
		return nil, err
	}

	return a, nil
}

// Complete verifies the wallet's signature and exchanges it for a platform session
func (s *AuthService) Complete(ctx context.Context, attemptID, signature string) (*core.SessionArtifact, error) {
	s.mu.Lock()
	a := s.attempts[attemptID]
	s.mu.Unlock()

	// After the lookup, so an overrun attempt still reports its own expiry
	s.sweep()

	if a == nil {
		return nil, &core.AttemptError{AttemptID: attemptID, Kind: core.ErrAttemptNotFound, Recovery: core.RecoveryRestart}
	}

	slot := s.slot(a.Address)
	defer s.release(slot)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	switch {
	case a.State == core.StateChallengeReady:
	case a.State > core.StateChallengeReady && a.State != core.StateFailed:
		slog.Warn("Anomaly: signature replayed for a consumed nonce",
			"attempt_id", a.ID, "address", a.Address, "state", a.State, "nonce_fp", fingerprint(a.Nonce))
		return nil, &core.AttemptError{AttemptID: a.ID, Address: a.Address, LastState: a.State, Kind: core.ErrReplayRejected, Recovery: core.RecoveryAbort}
	default:
		return nil, &core.AttemptError{AttemptID: a.ID, Address: a.Address, LastState: a.LastState, Kind: core.ErrAttemptNotFound, Recovery: core.RecoveryRestart}
	}

	if a.Expired(s.now()) {
		return nil, s.fail(slot, a, core.ErrNonceExpired, core.RecoveryRestart, nil)
	}

	if s.opts.Precheck {
		if err := siwe.VerifyAddress(a.Message, signature, a.Address); err != nil {
			slog.Info("Signature precheck failed", "attempt_id", a.ID, "address", a.Address, "error", err)
			return nil, &core.AttemptError{AttemptID: a.ID, Address: a.Address, LastState: a.State, Kind: core.ErrSignatureRejected, Recovery: core.RecoveryResign, Err: err}
		}
	}

	fresh, err := s.deps.Ledger.Consume(ctx, a.Nonce, a.Deadline.Sub(s.now())+time.Minute)
	if err != nil {
		return nil, &core.AttemptError{AttemptID: a.ID, Address: a.Address, LastState: a.State, Kind: core.ErrStoreOperationFailed, Recovery: core.RecoveryResign, Err: err}
	}
	if !fresh {
		slog.Warn("Anomaly: nonce already consumed", "attempt_id", a.ID, "address", a.Address, "nonce_fp", fingerprint(a.Nonce))
		return nil, s.fail(slot, a, core.ErrReplayRejected, core.RecoveryRestart, nil)
	}
	if err := a.Advance(core.StateSignatureSubmitted); err != nil {
		return nil, err
	}

	cred, err := s.deps.Identity.VerifySignature(ctx, a.http, ports.VerifyRequest{
		Address:   a.Address,
		Message:   a.Message,
		Signature: signature,
	})
	if err != nil {
		kind := core.ErrSignatureRejected
		if core.IsTransient(err) {
			kind = core.ErrTransientNetwork
		}
		return nil, s.fail(slot, a, kind, core.RecoveryRestart, err)
	}
	a.Credential = cred
	if err := a.Advance(core.StateCredentialObtained); err != nil {
		return nil, err
	}

	artifact, err := s.exchange(ctx, slot, a)
	if err != nil {
		return nil, err
	}

	var info *core.SessionInfo
	err = s.retryIdempotent(ctx, "session", a.ID, func() error {
		var err error
		info, err = s.deps.Platform.ValidateSession(ctx, a.http, artifact)
		return err
	})
	if err != nil {
		return nil, s.fail(slot, a, core.ErrSessionInvalid, core.RecoveryRestart, err)
	}
	if err := a.Advance(core.StateValidated); err != nil {
		return nil, err
	}

	prev, err := s.deps.Store.Put(ctx, artifact)
	if err != nil {
		return nil, s.fail(slot, a, core.ErrStoreOperationFailed, core.RecoveryRestart, err)
	}
	if prev != nil && prev.Value != artifact.Value {
		s.publishInvalidated(ctx, prev, "reauthenticated")
	}
	if err := s.deps.Events.PublishSessionEstablished(ctx, artifact); err != nil {
		slog.Warn("Failed to publish session event", "attempt_id", a.ID, "error", err)
	}

	// Kept in the registry until its deadline so replays can be recognised
	slot.current = nil

	slog.Info("Session established",
		"attempt_id", a.ID,
		"address", a.Address,
		"user_id", info.UserID,
		"expires_at", artifact.ExpiresAt)

	return artifact, nil
}

// exchange runs CREDENTIAL_OBTAINED -> SESSION_EXCHANGED within the attempt's budget
func (s *AuthService) exchange(ctx context.Context, slot *walletSlot, a *attempt) (*core.SessionArtifact, error) {
	remaining := a.Deadline.Sub(s.now())
	if remaining <= 0 {
		return nil, s.fail(slot, a, core.ErrNonceExpired, core.RecoveryRestart, nil)
	}

	exCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	artifact, err := s.deps.Platform.ExchangeSession(exCtx, a.http, a.Credential, a.CSRFToken)
	if err != nil {
		recovery := core.RecoveryRestart
		var exErr *core.ExchangeError
		if errors.As(err, &exErr) {
			recovery = exErr.Recovery()
		}
		if errors.Is(exCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, s.fail(slot, a, core.ErrNonceExpired, core.RecoveryRestart, err)
		}
		return nil, s.fail(slot, a, core.ErrSessionExchangeFailed, recovery, err)
	}

	artifact.Address = a.Address
	artifact.AttemptID = a.ID
	a.Session = artifact
	if err := a.Advance(core.StateSessionExchanged); err != nil {
		return nil, err
	}

	return artifact, nil
}

// Login runs a whole attempt, asking requester for the signature in between
func (s *AuthService) Login(ctx context.Context, address string, requester ports.SignatureRequester) (*core.SessionArtifact, error) {
	challenge, err := s.Begin(ctx, address)
	if err != nil {
		return nil, err
	}

	signature, err := requester.RequestSignature(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain signature: %w", err)
	}

	return s.Complete(ctx, challenge.AttemptID, signature)
}

// Session returns the wallet's stored session artifact
func (s *AuthService) Session(ctx context.Context, address string) (*core.SessionArtifact, error) {
	addr, err := siwe.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return s.deps.Store.Get(ctx, addr)
}

// Validate asks the platform whether the wallet's stored session is still accepted.
// A rejected session is removed from the store.
func (s *AuthService) Validate(ctx context.Context, address string) (*core.SessionInfo, error) {
	artifact, err := s.Session(ctx, address)
	if err != nil {
		return nil, err
	}

	hs, err := s.deps.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create http session: %w", err)
	}

	var info *core.SessionInfo
	err = s.retryIdempotent(ctx, "session", artifact.AttemptID, func() error {
		var err error
		info, err = s.deps.Platform.ValidateSession(ctx, hs, artifact)
		return err
	})
	if errors.Is(err, core.ErrSessionInvalid) {
		s.invalidate(ctx, artifact.Address, artifact.Value, "rejected by platform")
	}
	if err != nil {
		return nil, err
	}

	return info, nil
}

// Disconnect drops the wallet's in-flight attempt and invalidates its session.
// It fails with ErrSessionNotFound only when there was neither.
func (s *AuthService) Disconnect(ctx context.Context, address string) error {
	addr, err := siwe.NormalizeAddress(address)
	if err != nil {
		return err
	}

	slot := s.slot(addr)
	defer s.release(slot)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	dropped := false
	if cur := slot.current; cur != nil {
		cur.Fail()
		s.forget(slot, cur)
		dropped = true
	}

	artifact, err := s.deps.Store.Delete(ctx, addr)
	switch {
	case errors.Is(err, core.ErrSessionNotFound) && dropped:
	case err != nil:
		return err
	default:
		s.publishInvalidated(ctx, artifact, "disconnected")
	}

	slog.Info("Wallet disconnected", "address", addr, "attempt_dropped", dropped, "session_removed", artifact != nil)
	return nil
}

// invalidate removes the wallet's artifact if it still holds value
func (s *AuthService) invalidate(ctx context.Context, addr, value, reason string) {
	slot := s.slot(addr)
	defer s.release(slot)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	current, err := s.deps.Store.Get(ctx, addr)
	if err != nil || current.Value != value {
		return
	}
	if _, err := s.deps.Store.Delete(ctx, addr); err != nil {
		slog.Warn("Failed to delete rejected session", "address", addr, "error", err)
		return
	}
	s.publishInvalidated(ctx, current, reason)
}

func (s *AuthService) publishInvalidated(ctx context.Context, artifact *core.SessionArtifact, reason string) {
	if err := s.deps.Events.PublishSessionInvalidated(ctx, artifact, reason); err != nil {
		slog.Warn("Failed to publish session event", "address", artifact.Address, "error", err)
	}
}

// fail moves the attempt to FAILED, drops it and builds the caller's error.
// slot may be nil when the attempt was never registered.
func (s *AuthService) fail(slot *walletSlot, a *attempt, kind error, recovery core.Recovery, cause error) error {
	a.Fail()
	if slot != nil {
		s.forget(slot, a)
	}

	attrs := []any{
		"attempt_id", a.ID,
		"address", a.Address,
		"last_state", a.LastState,
		"kind", kind,
		"recovery", recovery,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause, "timeout", core.IsTimeout(cause))
	}
	slog.Error("Attempt failed", attrs...)

	return &core.AttemptError{
		AttemptID: a.ID,
		Address:   a.Address,
		LastState: a.LastState,
		Kind:      kind,
		Recovery:  recovery,
		Err:       cause,
	}
}

// forget removes the attempt from the registry. The caller holds slot.mu.
func (s *AuthService) forget(slot *walletSlot, a *attempt) {
	s.mu.Lock()
	delete(s.attempts, a.ID)
	s.mu.Unlock()
	if slot.current == a {
		slot.current = nil
	}
}

// slot returns the wallet's slot and pins it until release
func (s *AuthService) slot(addr string) *walletSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.wallets[addr]
	if !ok {
		slot = &walletSlot{}
		s.wallets[addr] = slot
	}
	slot.refs++
	return slot
}

func (s *AuthService) release(slot *walletSlot) {
	s.mu.Lock()
	slot.refs--
	s.mu.Unlock()
}

// sweep drops every attempt past its deadline and every unpinned slot
// without a live attempt. Only registry fields are read: attempt state
// belongs to the slot lock.
func (s *AuthService) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range s.attempts {
		if a.Expired(now) {
			delete(s.attempts, id)
		}
	}

	// An unpinned slot has no goroutine inside it, so current is safe to read here
	for addr, slot := range s.wallets {
		if slot.refs == 0 && (slot.current == nil || slot.current.Expired(now)) {
			delete(s.wallets, addr)
		}
	}
}

// fingerprint identifies a nonce in logs without revealing it
func fingerprint(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:6])
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/walletauth/adapters/credential"
	"github.com/layer-3/walletauth/adapters/httpclient"
	"github.com/layer-3/walletauth/adapters/identity"
	"github.com/layer-3/walletauth/adapters/platform"
	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/fakeparty"
	"github.com/layer-3/walletauth/siwe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Type     string
	Artifact core.SessionArtifact
	Reason   string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishSessionEstablished(ctx context.Context, a *core.SessionArtifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: "established", Artifact: *a})
	return nil
}

func (p *recordingPublisher) PublishSessionInvalidated(ctx context.Context, a *core.SessionArtifact, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: "invalidated", Artifact: *a, Reason: reason})
	return nil
}

func (p *recordingPublisher) ofType(kind string) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, e := range p.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc      *AuthService
	platform *fakeparty.Platform
	identity *fakeparty.Identity
	store    *store.MemoryStore
	events   *recordingPublisher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	plat := fakeparty.NewPlatform()
	t.Cleanup(plat.Close)
	ident := fakeparty.NewIdentity()
	t.Cleanup(ident.Close)

	composer, err := siwe.NewComposer(siwe.Template{
		Domain:    "forestmarket.test",
		Statement: "Welcome to Forest Market. Signing is the only way we can truly know that you are the owner of the wallet you are connecting.",
		URI:       plat.URL() + "/en-HK",
		RequestID: "forestmarket",
	})
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	events := &recordingPublisher{}

	svc := NewAuthService(Deps{
		Platform: platform.NewClient(platform.Config{
			BaseURL:       plat.URL(),
			Provider:      fakeparty.Provider,
			CallbackURL:   plat.URL() + "/en-HK",
			SessionCookie: fakeparty.SessionCookie,
		}),
		Identity: identity.NewClient(identity.Config{
			BaseURL:       ident.URL(),
			EnvironmentID: fakeparty.EnvironmentID,
			Origin:        plat.URL(),
		}, credential.NewJWTInspector()),
		Composer:   composer,
		NewSession: httpclient.Factory(httpclient.Options{Timeout: 2 * time.Second}),
		Store:      mem,
		Ledger:     mem,
		Events:     events,
	}, opts)

	return &harness{svc: svc, platform: plat, identity: ident, store: mem, events: events}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	return opts
}

func requireAttemptError(t *testing.T, err error, kind error, recovery core.Recovery) *core.AttemptError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var attemptErr *core.AttemptError
	require.True(t, errors.As(err, &attemptErr), "expected *core.AttemptError, got %T", err)
	assert.Equal(t, recovery, attemptErr.Recovery)
	return attemptErr
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), challenge.Address)
	assert.Contains(t, challenge.Message, "Nonce: "+challenge.Nonce)
	assert.NotEmpty(t, challenge.CSRFToken)

	artifact, err := h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), artifact.Address)
	assert.Equal(t, challenge.AttemptID, artifact.AttemptID)
	assert.Equal(t, fakeparty.SessionCookie, artifact.CookieName)

	user, ok := h.platform.SessionUser(artifact.Value)
	require.True(t, ok)
	assert.Equal(t, wallet.Address(), user)

	verify := h.identity.LastVerify()
	assert.Equal(t, challenge.Message, verify.MessageToSign)
	assert.Equal(t, "EVM", verify.Chain)

	stored, err := h.svc.Session(ctx, wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, artifact.Value, stored.Value)

	assert.Len(t, h.events.ofType("established"), 1)
	assert.Empty(t, h.events.ofType("invalidated"))
}

func TestLogin_UsesRequester(t *testing.T) {
	h := newHarness(t, fastOptions())
	wallet := fakeparty.NewWallet()

	artifact, err := h.svc.Login(context.Background(), wallet.Address(), requesterFunc(func(c *core.Challenge) (string, error) {
		return wallet.Sign(c.Message), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), artifact.Address)
}

type requesterFunc func(c *core.Challenge) (string, error)

func (f requesterFunc) RequestSignature(ctx context.Context, c *core.Challenge) (string, error) {
	return f(c)
}

func TestBegin_InvalidAddress(t *testing.T) {
	h := newHarness(t, fastOptions())

	_, err := h.svc.Begin(context.Background(), "0x1234")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
	assert.Zero(t, h.platform.CSRFCalls.Load())
}

func TestBegin_ReusesInFlightAttempt(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	first, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	second, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	assert.Equal(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, first.Nonce, second.Nonce)
	assert.Equal(t, 1, h.identity.Issued())
}

func TestSupersede_IssuesNewNonce(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	first, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	second, err := h.svc.Supersede(ctx, wallet.Address())
	require.NoError(t, err)

	assert.NotEqual(t, first.AttemptID, second.AttemptID)
	assert.NotEqual(t, first.Nonce, second.Nonce)

	_, err = h.svc.Complete(ctx, first.AttemptID, wallet.Sign(first.Message))
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)

	_, err = h.svc.Complete(ctx, second.AttemptID, wallet.Sign(second.Message))
	require.NoError(t, err)
}

func TestComplete_ExpiredNonceNeverReachesExchange(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	later := time.Now().Add(6 * time.Minute)
	h.svc.now = func() time.Time { return later }

	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	attemptErr := requireAttemptError(t, err, core.ErrNonceExpired, core.RecoveryRestart)
	assert.Equal(t, core.StateChallengeReady, attemptErr.LastState)

	assert.Zero(t, h.identity.VerifyCalls.Load())
	assert.Zero(t, h.platform.ExchangeCalls.Load())

	_, err = h.svc.Session(ctx, wallet.Address())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestBegin_RetriesTransientCSRF(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()
	h.platform.FailCSRF.Store(2)

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 3, h.platform.CSRFCalls.Load())

	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	require.NoError(t, err)
}

func TestBegin_CSRFRetriesExhausted(t *testing.T) {
	h := newHarness(t, fastOptions())
	wallet := fakeparty.NewWallet()
	h.platform.FailCSRF.Store(10)

	_, err := h.svc.Begin(context.Background(), wallet.Address())
	attemptErr := requireAttemptError(t, err, core.ErrPlatformUnreachable, core.RecoveryRestart)
	assert.Equal(t, core.StateInit, attemptErr.LastState)
	assert.ErrorIs(t, err, core.ErrTransientNetwork)
	assert.EqualValues(t, 3, h.platform.CSRFCalls.Load())
	assert.Zero(t, h.identity.NonceCalls.Load())
}

func TestBegin_NonceFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.identity.FailNonce.Store(true)

	_, err := h.svc.Begin(context.Background(), fakeparty.NewWallet().Address())
	attemptErr := requireAttemptError(t, err, core.ErrNonceUnavailable, core.RecoveryRestart)
	assert.Equal(t, core.StateCSRFObtained, attemptErr.LastState)
	assert.EqualValues(t, 1, h.identity.NonceCalls.Load())
}

func TestComplete_RetriesTransientValidation(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	h.platform.FailSession.Store(2)
	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	require.NoError(t, err)
	assert.EqualValues(t, 3, h.platform.SessionCalls.Load())
	assert.EqualValues(t, 1, h.platform.ExchangeCalls.Load())
}

func TestComplete_PrecheckAllowsResign(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()
	other := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	_, err = h.svc.Complete(ctx, challenge.AttemptID, other.Sign(challenge.Message))
	attemptErr := requireAttemptError(t, err, core.ErrSignatureRejected, core.RecoveryResign)
	assert.Equal(t, core.StateChallengeReady, attemptErr.LastState)
	assert.Zero(t, h.identity.VerifyCalls.Load())

	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	require.NoError(t, err)
}

func TestComplete_SignatureRejectedByIdentity(t *testing.T) {
	opts := fastOptions()
	opts.Precheck = false
	h := newHarness(t, opts)
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	_, err = h.svc.Complete(ctx, challenge.AttemptID, fakeparty.NewWallet().Sign(challenge.Message))
	attemptErr := requireAttemptError(t, err, core.ErrSignatureRejected, core.RecoveryRestart)
	assert.Equal(t, core.StateSignatureSubmitted, attemptErr.LastState)
	assert.Zero(t, h.platform.ExchangeCalls.Load())

	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)
}

func TestComplete_ReplayRejected(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	signature := wallet.Sign(challenge.Message)

	_, err = h.svc.Complete(ctx, challenge.AttemptID, signature)
	require.NoError(t, err)

	_, err = h.svc.Complete(ctx, challenge.AttemptID, signature)
	requireAttemptError(t, err, core.ErrReplayRejected, core.RecoveryAbort)
	assert.EqualValues(t, 1, h.identity.VerifyCalls.Load())
	assert.EqualValues(t, 1, h.platform.ExchangeCalls.Load())
}

func TestComplete_ConsumedNonceRejected(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	fresh, err := h.store.Consume(ctx, challenge.Nonce, time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	requireAttemptError(t, err, core.ErrReplayRejected, core.RecoveryRestart)
	assert.Zero(t, h.identity.VerifyCalls.Load())
}

func TestComplete_UnknownAttempt(t *testing.T) {
	h := newHarness(t, fastOptions())

	_, err := h.svc.Complete(context.Background(), "missing", "0x00")
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)
}

func TestComplete_NewSessionInvalidatesPrevious(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	login := func() *core.SessionArtifact {
		c, err := h.svc.Supersede(ctx, wallet.Address())
		require.NoError(t, err)
		a, err := h.svc.Complete(ctx, c.AttemptID, wallet.Sign(c.Message))
		require.NoError(t, err)
		return a
	}

	first := login()

	// Starting a new attempt alone leaves the stored session alone
	_, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	stored, err := h.svc.Session(ctx, wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, first.Value, stored.Value)
	assert.Empty(t, h.events.ofType("invalidated"))

	second := login()
	assert.NotEqual(t, first.Value, second.Value)

	stored, err = h.svc.Session(ctx, wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, second.Value, stored.Value)

	invalidated := h.events.ofType("invalidated")
	require.Len(t, invalidated, 1)
	assert.Equal(t, first.Value, invalidated[0].Artifact.Value)
	assert.Equal(t, "reauthenticated", invalidated[0].Reason)
}

func TestValidate(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	c, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	artifact, err := h.svc.Complete(ctx, c.AttemptID, wallet.Sign(c.Message))
	require.NoError(t, err)

	info, err := h.svc.Validate(ctx, wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), info.UserID)

	h.platform.Revoke(artifact.Value)
	_, err = h.svc.Validate(ctx, wallet.Address())
	assert.ErrorIs(t, err, core.ErrSessionInvalid)

	_, err = h.svc.Session(ctx, wallet.Address())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	invalidated := h.events.ofType("invalidated")
	require.Len(t, invalidated, 1)
	assert.Equal(t, "rejected by platform", invalidated[0].Reason)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	c, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, c.AttemptID, wallet.Sign(c.Message))
	require.NoError(t, err)

	pending, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	require.NoError(t, h.svc.Disconnect(ctx, wallet.Address()))

	_, err = h.svc.Session(ctx, wallet.Address())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = h.svc.Complete(ctx, pending.AttemptID, wallet.Sign(pending.Message))
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)

	assert.ErrorIs(t, h.svc.Disconnect(ctx, wallet.Address()), core.ErrSessionNotFound)
}

func TestConcurrentWallets(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	const n = 8
	wallets := make([]*fakeparty.Wallet, n)
	for i := range wallets {
		wallets[i] = fakeparty.NewWallet()
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	artifacts := make([]*core.SessionArtifact, n)
	for i, w := range wallets {
		wg.Add(1)
		go func(i int, w *fakeparty.Wallet) {
			defer wg.Done()
			artifacts[i], errs[i] = h.svc.Login(ctx, w.Address(), requesterFunc(func(c *core.Challenge) (string, error) {
				return w.Sign(c.Message), nil
			}))
		}(i, w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, w := range wallets {
		require.NoError(t, errs[i])
		assert.Equal(t, w.Address(), artifacts[i].Address)
		user, ok := h.platform.SessionUser(artifacts[i].Value)
		require.True(t, ok)
		assert.Equal(t, w.Address(), user)
		assert.False(t, seen[artifacts[i].Value])
		seen[artifacts[i].Value] = true
	}
	assert.Equal(t, n, h.identity.Issued())
}

func TestConcurrentBeginSameWallet(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.svc.Begin(ctx, wallet.Address())
			if err == nil {
				ids[i] = c.AttemptID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.identity.Issued())
}

func registrySize(s *AuthService) (attempts, wallets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts), len(s.wallets)
}

// Run with -race: logins advance attempt state while other wallets sweep the registry
func TestConcurrentLoginAndBegin(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w := fakeparty.NewWallet()
			_, err := h.svc.Login(ctx, w.Address(), requesterFunc(func(c *core.Challenge) (string, error) {
				return w.Sign(c.Message), nil
			}))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := h.svc.Begin(ctx, fakeparty.NewWallet().Address())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	attempts, _ := registrySize(h.svc)
	assert.Equal(t, 2*n, attempts)
}

func TestSweep_DropsExpiredAttemptsAndIdleSlots(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	pending := fakeparty.NewWallet()
	done := fakeparty.NewWallet()

	_, err := h.svc.Begin(ctx, pending.Address())
	require.NoError(t, err)
	_, err = h.svc.Login(ctx, done.Address(), requesterFunc(func(c *core.Challenge) (string, error) {
		return done.Sign(c.Message), nil
	}))
	require.NoError(t, err)

	// Any access sweeps; the finished wallet's slot goes, both attempts stay until their deadline
	_, err = h.svc.Complete(ctx, "missing", "0x00")
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)
	attempts, wallets := registrySize(h.svc)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, wallets)

	later := time.Now().Add(6 * time.Minute)
	h.svc.now = func() time.Time { return later }

	_, err = h.svc.Complete(ctx, "missing", "0x00")
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)
	attempts, wallets = registrySize(h.svc)
	assert.Zero(t, attempts)
	assert.Zero(t, wallets)

	// The abandoned wallet can start over
	h.svc.now = time.Now
	again, err := h.svc.Begin(ctx, pending.Address())
	require.NoError(t, err)
	assert.Equal(t, 3, h.identity.Issued())
	_, err = h.svc.Complete(ctx, again.AttemptID, pending.Sign(again.Message))
	require.NoError(t, err)
}

func TestComplete_ExchangeOverrunsBudget(t *testing.T) {
	opts := fastOptions()
	opts.NonceTTL = 300 * time.Millisecond
	opts.Precheck = false
	h := newHarness(t, opts)
	h.platform.ExchangeDelay = time.Second
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	challenge, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	start := time.Now()
	_, err = h.svc.Complete(ctx, challenge.AttemptID, wallet.Sign(challenge.Message))
	attemptErr := requireAttemptError(t, err, core.ErrNonceExpired, core.RecoveryRestart)
	assert.Equal(t, core.StateCredentialObtained, attemptErr.LastState)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, h.platform.ExchangeCalls.Load())

	_, err = h.svc.Session(ctx, wallet.Address())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestDisconnect_PendingAttemptOnly(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()
	wallet := fakeparty.NewWallet()

	pending, err := h.svc.Begin(ctx, wallet.Address())
	require.NoError(t, err)

	require.NoError(t, h.svc.Disconnect(ctx, wallet.Address()))
	assert.Empty(t, h.events.ofType("invalidated"))

	_, err = h.svc.Complete(ctx, pending.AttemptID, wallet.Sign(pending.Message))
	requireAttemptError(t, err, core.ErrAttemptNotFound, core.RecoveryRestart)

	assert.ErrorIs(t, h.svc.Disconnect(ctx, wallet.Address()), core.ErrSessionNotFound)
}

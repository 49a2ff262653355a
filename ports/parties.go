package ports

import (
	"context"
	"net/http"

	"github.com/layer-3/walletauth/core"
)

// HTTPSession is a cookie-bound HTTP client. Every call of one attempt goes through the same one.
type HTTPSession interface {
	Do(req *http.Request) (*http.Response, error)
	Jar() http.CookieJar
}

// SessionFactory creates a fresh HTTPSession with an empty cookie jar
type SessionFactory func() (HTTPSession, error)

// Platform is the e-commerce platform's session provider
type Platform interface {
	FetchCSRF(ctx context.Context, s HTTPSession) (string, error)
	ExchangeSession(ctx context.Context, s HTTPSession, credential *core.Credential, csrfToken string) (*core.SessionArtifact, error)
	ValidateSession(ctx context.Context, s HTTPSession, artifact *core.SessionArtifact) (*core.SessionInfo, error)
}

// VerifyRequest is a signed challenge submitted for verification
type VerifyRequest struct {
	Address   string
	Message   string
	Signature string
}

// Identity is the federated identity and signature-verification service
type Identity interface {
	IssueNonce(ctx context.Context, s HTTPSession) (*core.Nonce, error)
	VerifySignature(ctx context.Context, s HTTPSession, req VerifyRequest) (*core.Credential, error)
}

// SignatureRequester hands a challenge to the wallet and returns its signature
type SignatureRequester interface {
	RequestSignature(ctx context.Context, challenge *core.Challenge) (string, error)
}

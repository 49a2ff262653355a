package core

import (
	"fmt"
	"time"
)

// State is a step of the authentication handshake
type State int

const (
	StateInit State = iota
	StateCSRFObtained
	StateNonceIssued
	StateChallengeReady
	StateSignatureSubmitted
	StateCredentialObtained
	StateSessionExchanged
	StateValidated
	StateFailed
)

var stateNames = map[State]string{
	StateInit:               "INIT",
	StateCSRFObtained:       "CSRF_OBTAINED",
	StateNonceIssued:        "NONCE_ISSUED",
	StateChallengeReady:     "CHALLENGE_READY",
	StateSignatureSubmitted: "SIGNATURE_SUBMITTED",
	StateCredentialObtained: "CREDENTIAL_OBTAINED",
	StateSessionExchanged:   "SESSION_EXCHANGED",
	StateValidated:          "VALIDATED",
	StateFailed:             "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateValidated || s == StateFailed
}

// Nonce is a single-use value issued by the identity service
type Nonce struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Challenge is what a wallet needs in order to sign in
type Challenge struct {
	AttemptID string    // Attempt the challenge belongs to
	Address   string    // Checksummed wallet address
	Nonce     string    // Nonce embedded in the message
	CSRFToken string    // Platform CSRF token bound to the attempt's cookie jar
	Message   string    // Exact text the wallet must sign
	IssuedAt  time.Time // When the nonce was issued
	ExpiresAt time.Time // Deadline for completing the attempt
}

// Credential is the bearer assertion returned after signature verification
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// SessionArtifact is the platform session obtained for a wallet
type SessionArtifact struct {
	Address    string    `json:"address"`
	CookieName string    `json:"cookie_name"`
	Value      string    `json:"value"`
	ExpiresAt  time.Time `json:"expires_at"`
	AttemptID  string    `json:"attempt_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the artifact is past its platform-declared expiry
func (a *SessionArtifact) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// SessionInfo is what the platform reports about a live session
type SessionInfo struct {
	UserID    string
	ExpiresAt time.Time
}

// Attempt is one login try for one wallet address
type Attempt struct {
	ID         string
	Address    string
	CSRFToken  string
	Nonce      string
	Message    string
	IssuedAt   time.Time
	Deadline   time.Time
	Credential *Credential
	Session    *SessionArtifact
	State      State
	LastState  State // Last state reached before failing
	CreatedAt  time.Time
}

// Advance moves the attempt to the next state. Skipping a state is refused.
func (a *Attempt) Advance(next State) error {
	if a.State.Terminal() {
		return fmt.Errorf("%w: attempt is %s", ErrAttemptState, a.State)
	}
	if next != a.State+1 || next == StateFailed {
		return fmt.Errorf("%w: %s -> %s", ErrAttemptState, a.State, next)
	}
	a.State = next
	return nil
}

// Fail moves the attempt to FAILED, remembering where it stopped
func (a *Attempt) Fail() {
	if a.State == StateFailed {
		return
	}
	a.LastState = a.State
	a.State = StateFailed
}

// Expired reports whether the attempt's wall-clock budget is spent
func (a *Attempt) Expired(now time.Time) bool {
	return !now.Before(a.Deadline)
}

// Challenge returns the challenge view of a CHALLENGE_READY attempt
func (a *Attempt) Challenge() *Challenge {
	return &Challenge{
		AttemptID: a.ID,
		Address:   a.Address,
		Nonce:     a.Nonce,
		CSRFToken: a.CSRFToken,
		Message:   a.Message,
		IssuedAt:  a.IssuedAt,
		ExpiresAt: a.Deadline,
	}
}

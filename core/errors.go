package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAddress        = errors.New("invalid ethereum address")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrNonceUnavailable      = errors.New("nonce unavailable")
	ErrPlatformUnreachable   = errors.New("platform unreachable")
	ErrNonceExpired          = errors.New("nonce expired")
	ErrSignatureRejected     = errors.New("signature rejected")
	ErrSessionExchangeFailed = errors.New("session exchange failed")
	ErrSessionInvalid        = errors.New("session invalid")
	ErrReplayRejected        = errors.New("replayed signature rejected")
	ErrTransientNetwork      = errors.New("transient network error")
	ErrTimeout               = errors.New("request timed out")
	ErrAttemptNotFound       = errors.New("attempt not found")
	ErrAttemptState          = errors.New("invalid attempt state")
	ErrSessionNotFound       = errors.New("session not found")
	ErrStoreOperationFailed  = errors.New("store operation failed")
)

// Recovery tells a caller what can still be done after a failure
type Recovery string

const (
	// RecoveryResign means the attempt is still usable and the wallet may sign again
	RecoveryResign Recovery = "resign"
	// RecoveryRestart means a new attempt must be started with Begin
	RecoveryRestart Recovery = "restart"
	// RecoveryAbort means retrying will not help
	RecoveryAbort Recovery = "abort"
)

// AttemptError is returned for every failure of an attempt
type AttemptError struct {
	AttemptID string
	Address   string
	LastState State
	Kind      error
	Recovery  Recovery
	Err       error
}

func (e *AttemptError) Error() string {
	msg := fmt.Sprintf("attempt %s (%s): %v", e.AttemptID, e.LastState, e.Kind)
	if e.Err != nil && !errors.Is(e.Kind, e.Err) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AttemptError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NetworkError is a transport-level failure talking to an external party
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool {
	return target == ErrTransientNetwork || (e.Timeout && target == ErrTimeout)
}

// IsTransient reports whether err is worth retrying on an idempotent step
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// IsTimeout reports whether err was caused by a timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ExchangeError is a refused session exchange
type ExchangeError struct {
	Status       int
	CSRFMismatch bool // Platform refused the CSRF token or its cookie
	Redirect     string
	Reason       string
}

func (e *ExchangeError) Error() string {
	if e.CSRFMismatch {
		return fmt.Sprintf("csrf token or cookie rejected (status %d)", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Reason, e.Status)
}

func (e *ExchangeError) Unwrap() error { return ErrSessionExchangeFailed }

// Recovery returns what a caller can do about the refusal
func (e *ExchangeError) Recovery() Recovery {
	if e.CSRFMismatch {
		return RecoveryRestart
	}
	return RecoveryAbort
}

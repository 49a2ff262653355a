package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/core"
)

type errorResponse struct {
	Error     string        `json:"error"`
	Message   string        `json:"message,omitempty"`
	AttemptID string        `json:"attemptId,omitempty"`
	LastState string        `json:"lastState,omitempty"`
	Recovery  core.Recovery `json:"recovery,omitempty"`
	Timeout   bool          `json:"timeout"`
}

// errorKinds maps each sentinel to its wire name and status, most specific first
var errorKinds = []struct {
	err    error
	name   string
	status int
}{
	{core.ErrInvalidAddress, "InvalidAddress", http.StatusBadRequest},
	{core.ErrInvalidSignature, "InvalidSignature", http.StatusBadRequest},
	{core.ErrSignatureRejected, "SignatureRejected", http.StatusUnauthorized},
	{core.ErrReplayRejected, "ReplayRejected", http.StatusConflict},
	{core.ErrSessionExchangeFailed, "SessionExchangeFailed", http.StatusConflict},
	{core.ErrNonceExpired, "AttemptExpired", http.StatusGone},
	{core.ErrAttemptNotFound, "AttemptExpired", http.StatusGone},
	{core.ErrSessionInvalid, "SessionInvalid", http.StatusBadGateway},
	{core.ErrNonceUnavailable, "NonceUnavailable", http.StatusBadGateway},
	{core.ErrPlatformUnreachable, "PlatformUnreachable", http.StatusBadGateway},
	{core.ErrTransientNetwork, "TransientNetwork", http.StatusBadGateway},
	{core.ErrSessionNotFound, "SessionNotFound", http.StatusNotFound},
	{core.ErrStoreOperationFailed, "StoreOperationFailed", http.StatusInternalServerError},
}

// writeError renders err as an error body with the matching status
func writeError(c *gin.Context, err error) {
	resp := errorResponse{Error: "Internal", Message: err.Error(), Timeout: core.IsTimeout(err)}
	status := http.StatusInternalServerError

	kind := err
	var attemptErr *core.AttemptError
	if errors.As(err, &attemptErr) {
		kind = attemptErr.Kind
		resp.AttemptID = attemptErr.AttemptID
		resp.LastState = attemptErr.LastState.String()
		resp.Recovery = attemptErr.Recovery
	}

	for _, k := range errorKinds {
		if errors.Is(kind, k.err) {
			resp.Error = k.name
			status = k.status
			break
		}
	}

	if resp.Timeout && status == http.StatusBadGateway {
		status = http.StatusGatewayTimeout
	}

	c.JSON(status, resp)
}

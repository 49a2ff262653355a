package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

// Begin starts or resumes an attempt and returns the message to sign
func (h *AuthHandlers) Begin(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"walletAddress" binding:"required"`
		Renew         bool   `json:"renew"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "InvalidRequest", Message: err.Error()})
		return
	}

	begin := h.authService.Begin
	if req.Renew {
		begin = h.authService.Supersede
	}

	challenge, err := begin(c.Request.Context(), req.WalletAddress)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attemptId":        challenge.AttemptID,
		"address":          challenge.Address,
		"challengeMessage": challenge.Message,
		"nonce":            challenge.Nonce,
		"csrfToken":        challenge.CSRFToken,
		"issuedAt":         challenge.IssuedAt.UTC().Format(time.RFC3339),
		"expiresAt":        challenge.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Complete submits the wallet's signature and returns the platform session
func (h *AuthHandlers) Complete(c *gin.Context) {
	var req struct {
		AttemptID string `json:"attemptId" binding:"required"`
		Signature string `json:"signature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "InvalidRequest", Message: err.Error()})
		return
	}

	artifact, err := h.authService.Complete(c.Request.Context(), req.AttemptID, req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":         artifact.Address,
		"attemptId":       artifact.AttemptID,
		"cookieName":      artifact.CookieName,
		"sessionArtifact": artifact.Value,
		"expiresAt":       artifact.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Session returns the wallet's stored session, optionally checked with the platform
func (h *AuthHandlers) Session(c *gin.Context) {
	ctx := c.Request.Context()
	address := c.Param("address")

	artifact, err := h.authService.Session(ctx, address)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"address":    artifact.Address,
		"attemptId":  artifact.AttemptID,
		"cookieName": artifact.CookieName,
		"expiresAt":  artifact.ExpiresAt.UTC().Format(time.RFC3339),
		"createdAt":  artifact.CreatedAt.UTC().Format(time.RFC3339),
	}

	if c.Query("validate") == "true" {
		info, err := h.authService.Validate(ctx, address)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["valid"] = true
		resp["userId"] = info.UserID
	}

	c.JSON(http.StatusOK, resp)
}

// Disconnect invalidates the wallet's session
func (h *AuthHandlers) Disconnect(c *gin.Context) {
	if err := h.authService.Disconnect(c.Request.Context(), c.Param("address")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Disconnected"})
}

// Health reports liveness
func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// Config describes the identity service environment
type Config struct {
	BaseURL        string // e.g. https://app.dynamicauth.com/api/v0/sdk
	EnvironmentID  string
	Origin         string // Origin header the service expects
	Chain          string // "EVM"
	Network        string // Chain id as a string
	WalletName     string
	WalletProvider string
	NonceTTL       time.Duration // Assumed nonce lifetime
}

// Client talks to the federated identity service
type Client struct {
	cfg       Config
	inspector ports.CredentialInspector
	now       func() time.Time
}

// NewClient creates a new identity client
func NewClient(cfg Config, inspector ports.CredentialInspector) ports.Identity {
	if cfg.Chain == "" {
		cfg.Chain = "EVM"
	}
	if cfg.Network == "" {
		cfg.Network = "1"
	}
	if cfg.NonceTTL == 0 {
		cfg.NonceTTL = 5 * time.Minute
	}
	return &Client{cfg: cfg, inspector: inspector, now: time.Now}
}

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type verifyRequest struct {
	SignedMessage             string   `json:"signedMessage"`
	MessageToSign             string   `json:"messageToSign"`
	PublicWalletAddress       string   `json:"publicWalletAddress"`
	Chain                     string   `json:"chain"`
	WalletName                string   `json:"walletName"`
	WalletProvider            string   `json:"walletProvider"`
	Network                   string   `json:"network"`
	AdditionalWalletAddresses []string `json:"additionalWalletAddresses"`
}

type verifyResponse struct {
	JWT       string `json:"jwt"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (c *Client) endpoint(name string) string {
	return c.cfg.BaseURL + "/" + c.cfg.EnvironmentID + "/" + name
}

// IssueNonce requests one fresh nonce. The value is never cached or reused.
func (c *Client) IssueNonce(ctx context.Context, s ports.HTTPSession) (*core.Nonce, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("nonce"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setOrigin(req)

	issuedAt := c.now()
	resp, err := s.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned status %d: %w", resp.StatusCode, core.ErrNonceUnavailable)
	}

	var body nonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid nonce response: %w", core.ErrNonceUnavailable)
	}
	if body.Nonce == "" {
		return nil, fmt.Errorf("empty nonce: %w", core.ErrNonceUnavailable)
	}

	return &core.Nonce{
		Value:     body.Nonce,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(c.cfg.NonceTTL),
	}, nil
}

// VerifySignature submits the signed challenge and returns the bearer credential.
// Any non-success response is ErrSignatureRejected.
func (c *Client) VerifySignature(ctx context.Context, s ports.HTTPSession, vr ports.VerifyRequest) (*core.Credential, error) {
	payload, err := json.Marshal(verifyRequest{
		SignedMessage:             vr.Signature,
		MessageToSign:             vr.Message,
		PublicWalletAddress:       vr.Address,
		Chain:                     c.cfg.Chain,
		WalletName:                c.cfg.WalletName,
		WalletProvider:            c.cfg.WalletProvider,
		Network:                   c.cfg.Network,
		AdditionalWalletAddresses: []string{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("verify"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setOrigin(req)

	resp, err := s.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("identity service returned status %d (%s): %w", resp.StatusCode, bytes.TrimSpace(snippet), core.ErrSignatureRejected)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid verify response: %w", core.ErrSignatureRejected)
	}
	if body.JWT == "" {
		return nil, fmt.Errorf("verify response has no credential: %w", core.ErrSignatureRejected)
	}

	cred := &core.Credential{Token: body.JWT}
	if c.inspector != nil {
		if inspected, err := c.inspector.Inspect(body.JWT); err == nil {
			cred = inspected
		}
	}
	// The declared expiry wins over the token's own claim
	if body.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(body.ExpiresAt, 0)
	}

	return cred, nil
}

func (c *Client) setOrigin(req *http.Request) {
	if c.cfg.Origin != "" {
		req.Header.Set("Origin", c.cfg.Origin)
	}
}

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// DefaultSessionCookie is the NextAuth session cookie name on https deployments
const DefaultSessionCookie = "__Secure-next-auth.session-token"

// Config describes the platform's auth endpoints
type Config struct {
	BaseURL       string // e.g. https://forestmarket.net
	Provider      string // Credentials provider id in the callback path
	CallbackURL   string
	Origin        string
	SessionCookie string
	SessionTTL    time.Duration // Used when the cookie carries no expiry
}

// Client talks to the platform's session provider
type Client struct {
	cfg Config
	now func() time.Time
}

// NewClient creates a new platform client
func NewClient(cfg Config) ports.Platform {
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.BaseURL
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = cfg.BaseURL
	}
	return &Client{cfg: cfg, now: time.Now}
}

type csrfResponse struct {
	CSRFToken string `json:"csrfToken"`
}

type callbackResponse struct {
	URL string `json:"url"`
}

type sessionResponse struct {
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
	Expires string `json:"expires"`
}

// FetchCSRF gets a CSRF token. The platform binds it to a cookie stored in s's jar.
func (c *Client) FetchCSRF(ctx context.Context, s ports.HTTPSession) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/auth/csrf", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", &core.NetworkError{Op: "csrf", Err: fmt.Errorf("platform returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("platform returned status %d: %w", resp.StatusCode, core.ErrPlatformUnreachable)
	}

	var body csrfResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid csrf response: %w", core.ErrPlatformUnreachable)
	}
	if body.CSRFToken == "" {
		return "", fmt.Errorf("empty csrf token: %w", core.ErrPlatformUnreachable)
	}

	u, _ := url.Parse(c.cfg.BaseURL)
	if len(s.Jar().Cookies(u)) == 0 {
		return "", fmt.Errorf("platform did not set a csrf cookie: %w", core.ErrPlatformUnreachable)
	}

	return body.CSRFToken, nil
}

// ExchangeSession trades the credential and CSRF token for a session cookie.
// s must be the same session that fetched the CSRF token.
func (c *Client) ExchangeSession(ctx context.Context, s ports.HTTPSession, cred *core.Credential, csrfToken string) (*core.SessionArtifact, error) {
	form := url.Values{
		"token":       {cred.Token},
		"redirect":    {"false"},
		"callbackUrl": {c.cfg.CallbackURL},
		"csrfToken":   {csrfToken},
		"json":        {"true"},
	}

	endpoint := c.cfg.BaseURL + "/api/auth/callback/" + url.PathEscape(c.cfg.Provider)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", c.cfg.Origin)

	resp, err := s.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Only the body's redirect target is reported there; the session is in Set-Cookie
	var body callbackResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	redirect := body.URL
	if redirect == "" {
		redirect = resp.Header.Get("Location")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return nil, classifyExchange(resp.StatusCode, redirect)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name != c.cfg.SessionCookie || cookie.Value == "" {
			continue
		}
		return &core.SessionArtifact{
			CookieName: cookie.Name,
			Value:      cookie.Value,
			ExpiresAt:  c.cookieExpiry(cookie),
			CreatedAt:  c.now(),
		}, nil
	}

	return nil, classifyExchange(resp.StatusCode, redirect)
}

func classifyExchange(status int, redirect string) *core.ExchangeError {
	e := &core.ExchangeError{Status: status, Redirect: redirect, Reason: "no session cookie in response"}
	if u, err := url.Parse(redirect); err == nil && redirect != "" {
		q := u.Query()
		switch {
		case q.Get("csrf") == "true":
			e.CSRFMismatch = true
		case q.Get("error") != "":
			e.Reason = "platform refused credential: " + q.Get("error")
		}
	}
	if status == http.StatusForbidden {
		e.CSRFMismatch = true
	}
	return e
}

func (c *Client) cookieExpiry(cookie *http.Cookie) time.Time {
	switch {
	case cookie.MaxAge > 0:
		return c.now().Add(time.Duration(cookie.MaxAge) * time.Second)
	case !cookie.Expires.IsZero():
		return cookie.Expires
	default:
		return c.now().Add(c.cfg.SessionTTL)
	}
}

// ValidateSession checks that the platform accepts the artifact. It mutates nothing.
func (c *Client) ValidateSession(ctx context.Context, s ports.HTTPSession, artifact *core.SessionArtifact) (*core.SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/auth/session", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: artifact.CookieName, Value: artifact.Value})

	resp, err := s.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &core.NetworkError{Op: "session", Err: fmt.Errorf("platform returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform returned status %d: %w", resp.StatusCode, core.ErrSessionInvalid)
	}

	var body sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid session response: %w", core.ErrSessionInvalid)
	}
	if body.User == nil {
		return nil, fmt.Errorf("platform reports no user: %w", core.ErrSessionInvalid)
	}

	info := &core.SessionInfo{UserID: body.User.ID}
	if t, err := time.Parse(time.RFC3339, body.Expires); err == nil {
		info.ExpiresAt = t
	}

	return info, nil
}

package fakeparty

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// CSRFCookie carries the server half of the double-submit CSRF check
	CSRFCookie = "next-auth.csrf-token"
	// SessionCookie is the session artifact cookie
	SessionCookie = "__Secure-next-auth.session-token"
	// Provider is the credentials provider id
	Provider = "Dynamic"
)

// Platform is a fake NextAuth-style session provider
type Platform struct {
	Server *httptest.Server

	CSRFCalls     atomic.Int32
	ExchangeCalls atomic.Int32
	SessionCalls  atomic.Int32

	// Number of upcoming requests answered with 503
	FailCSRF    atomic.Int32
	FailSession atomic.Int32

	// Delay applied to every exchange
	ExchangeDelay time.Duration

	mu       sync.Mutex
	sessions map[string]string // session value -> user
}

// NewPlatform starts a fake platform
func NewPlatform() *Platform {
	p := &Platform{sessions: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/csrf", p.handleCSRF)
	mux.HandleFunc("POST /api/auth/callback/"+Provider, p.handleCallback)
	mux.HandleFunc("GET /api/auth/session", p.handleSession)
	p.Server = httptest.NewServer(mux)

	return p
}

// URL is the platform base URL
func (p *Platform) URL() string {
	return p.Server.URL
}

// Close stops the server
func (p *Platform) Close() {
	p.Server.Close()
}

// Revoke makes the platform forget a session
func (p *Platform) Revoke(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, value)
}

// SessionUser returns the user of a live session
func (p *Platform) SessionUser(value string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.sessions[value]
	return user, ok
}

func takeFailure(counter *atomic.Int32) bool {
	for {
		n := counter.Load()
		if n <= 0 {
			return false
		}
		if counter.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (p *Platform) handleCSRF(w http.ResponseWriter, r *http.Request) {
	p.CSRFCalls.Add(1)
	if takeFailure(&p.FailCSRF) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	token := randomHex(16)
	http.SetCookie(w, &http.Cookie{Name: CSRFCookie, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (p *Platform) handleCallback(w http.ResponseWriter, r *http.Request) {
	p.ExchangeCalls.Add(1)
	if p.ExchangeDelay > 0 {
		time.Sleep(p.ExchangeDelay)
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad form"})
		return
	}

	cookie, err := r.Cookie(CSRFCookie)
	if err != nil || cookie.Value != r.PostForm.Get("csrfToken") {
		writeJSON(w, http.StatusOK, map[string]string{"url": p.Server.URL + "/api/auth/signin?csrf=true"})
		return
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(r.PostForm.Get("token"), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return Secret, nil
	})
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"url": p.Server.URL + "/api/auth/error?error=CredentialsSignin"})
		return
	}

	value := "s-" + randomHex(16)
	p.mu.Lock()
	p.sessions[value] = claims.Subject
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: value, Path: "/", HttpOnly: true, MaxAge: 3600})
	writeJSON(w, http.StatusOK, map[string]string{"url": r.PostForm.Get("callbackUrl")})
}

func (p *Platform) handleSession(w http.ResponseWriter, r *http.Request) {
	p.SessionCalls.Add(1)
	if takeFailure(&p.FailSession) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	user, ok := p.SessionUser(cookie.Value)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    map[string]string{"id": user},
		"expires": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
}

package fakeparty

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletauth/siwe"
)

// Secret signs the credentials minted by Identity and checked by Platform
var Secret = []byte("fakeparty-secret")

// EnvironmentID is the identity environment served by Identity
const EnvironmentID = "env-test"

// Identity is a fake nonce and signature-verification service
type Identity struct {
	Server *httptest.Server

	NonceCalls  atomic.Int32
	VerifyCalls atomic.Int32

	FailNonce     atomic.Bool
	RejectAll     atomic.Bool
	CredentialTTL time.Duration

	mu     sync.Mutex
	issued map[string]bool // nonce -> consumed
	last   VerifyPayload
}

// VerifyPayload is the body the identity service receives on verify
type VerifyPayload struct {
	SignedMessage       string   `json:"signedMessage"`
	MessageToSign       string   `json:"messageToSign"`
	PublicWalletAddress string   `json:"publicWalletAddress"`
	Chain               string   `json:"chain"`
	WalletName          string   `json:"walletName"`
	WalletProvider      string   `json:"walletProvider"`
	Network             string   `json:"network"`
	Additional          []string `json:"additionalWalletAddresses"`
}

// NewIdentity starts a fake identity service
func NewIdentity() *Identity {
	id := &Identity{issued: make(map[string]bool), CredentialTTL: time.Hour}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+EnvironmentID+"/nonce", id.handleNonce)
	mux.HandleFunc("POST /"+EnvironmentID+"/verify", id.handleVerify)
	id.Server = httptest.NewServer(mux)

	return id
}

// URL is the SDK base URL
func (id *Identity) URL() string {
	return id.Server.URL
}

// Close stops the server
func (id *Identity) Close() {
	id.Server.Close()
}

// LastVerify returns the most recent verify payload
func (id *Identity) LastVerify() VerifyPayload {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.last
}

// Issued returns how many distinct nonces were handed out
func (id *Identity) Issued() int {
	id.mu.Lock()
	defer id.mu.Unlock()
	return len(id.issued)
}

func (id *Identity) handleNonce(w http.ResponseWriter, r *http.Request) {
	id.NonceCalls.Add(1)
	if id.FailNonce.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)

	id.mu.Lock()
	id.issued[nonce] = false
	id.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (id *Identity) handleVerify(w http.ResponseWriter, r *http.Request) {
	id.VerifyCalls.Add(1)

	var p VerifyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}

	id.mu.Lock()
	id.last = p
	id.mu.Unlock()

	if id.RejectAll.Load() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rejected"})
		return
	}

	fields, err := siwe.Parse(p.MessageToSign)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad message"})
		return
	}

	id.mu.Lock()
	consumed, known := id.issued[fields.Nonce]
	if known && !consumed {
		id.issued[fields.Nonce] = true
	}
	id.mu.Unlock()
	if !known || consumed {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid nonce"})
		return
	}

	if err := siwe.VerifyAddress(p.MessageToSign, p.SignedMessage, p.PublicWalletAddress); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	exp := time.Now().Add(id.CredentialTTL)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   p.PublicWalletAddress,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}).SignedString(Secret)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jwt": token, "expiresAt": exp.Unix()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package config loads walletauth settings from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultStatement = "Welcome to Forest Market. Signing is the only way we can truly know that you are the owner of the wallet you are connecting. Signing is a safe, gas-less transaction that does not in any way give Forest Market permission to perform any transactions with your wallet."

// Config holds every setting of the service and the CLI
type Config struct {
	// Server
	Port     string
	RedisURL string // Empty selects the in-memory store and pub/sub

	// Platform
	PlatformURL   string
	Provider      string
	CallbackURL   string
	SessionCookie string

	// Identity service
	IdentityURL    string
	EnvironmentID  string
	Origin         string
	Network        string
	WalletName     string
	WalletProvider string

	// Sign-in message
	Domain    string
	Statement string
	URI       string
	ChainID   int64

	// Handshake
	NonceTTL       time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
	Precheck       bool
}

// Load reads the configuration from the environment, applying defaults,
// and rejects invalid URLs, durations and ranges
func Load() (*Config, error) {
	platformURL := strings.TrimRight(getEnv("PLATFORM_URL", "https://forestmarket.net"), "/")

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		RedisURL: os.Getenv("REDIS_URL"),

		PlatformURL:   platformURL,
		Provider:      getEnv("PROVIDER", "Dynamic"),
		CallbackURL:   getEnv("CALLBACK_URL", platformURL+"/en-HK"),
		SessionCookie: getEnv("SESSION_COOKIE", "__Secure-next-auth.session-token"),

		IdentityURL:    strings.TrimRight(getEnv("IDENTITY_URL", "https://app.dynamicauth.com/api/v0/sdk"), "/"),
		EnvironmentID:  getEnv("ENVIRONMENT_ID", "02e5c99f-a7aa-4841-b64a-df128fa8e08f"),
		Origin:         getEnv("ORIGIN", platformURL),
		Network:        getEnv("NETWORK", "1"),
		WalletName:     getEnv("WALLET_NAME", "metamask"),
		WalletProvider: getEnv("WALLET_PROVIDER", "browserExtension"),

		Statement: getEnv("SIWE_STATEMENT", defaultStatement),
		URI:       getEnv("SIWE_URI", platformURL+"/en-HK"),
		ChainID:   int64(getEnvInt("CHAIN_ID", 1)),

		NonceTTL:       getEnvDuration("NONCE_TTL", 5*time.Minute),
		RetryAttempts:  getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBackoff:   getEnvDuration("RETRY_BACKOFF", 250*time.Millisecond),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 8*time.Second),
		Precheck:       getEnvBool("SIGNATURE_PRECHECK", true),
	}

	for _, u := range []struct {
		name  string
		value string
	}{
		{"PLATFORM_URL", cfg.PlatformURL},
		{"IDENTITY_URL", cfg.IdentityURL},
		{"CALLBACK_URL", cfg.CallbackURL},
		{"SIWE_URI", cfg.URI},
	} {
		if err := validateURL(u.value); err != nil {
			return nil, fmt.Errorf("%s: %w", u.name, err)
		}
	}

	parsed, _ := url.Parse(cfg.PlatformURL)
	cfg.Domain = getEnv("SIWE_DOMAIN", parsed.Host)

	if cfg.EnvironmentID == "" {
		return nil, fmt.Errorf("ENVIRONMENT_ID is required")
	}
	if cfg.RetryAttempts < 1 || cfg.RetryAttempts > 10 {
		return nil, fmt.Errorf("RETRY_ATTEMPTS must be between 1 and 10, got %d", cfg.RetryAttempts)
	}
	if cfg.ChainID < 1 {
		return nil, fmt.Errorf("CHAIN_ID must be positive, got %d", cfg.ChainID)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"NONCE_TTL", cfg.NonceTTL},
		{"RETRY_BACKOFF", cfg.RetryBackoff},
		{"REQUEST_TIMEOUT", cfg.RequestTimeout},
	} {
		if d.value <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if cfg.RequestTimeout >= cfg.NonceTTL {
		return nil, fmt.Errorf("REQUEST_TIMEOUT (%s) must be shorter than NONCE_TTL (%s)", cfg.RequestTimeout, cfg.NonceTTL)
	}

	return cfg, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

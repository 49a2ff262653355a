package credential

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// JWTInspector reads credential claims without verifying them.
// The credential is only relayed to the platform, which verifies it.
type JWTInspector struct {
	parser *jwt.Parser
}

// NewJWTInspector creates a new inspector
func NewJWTInspector() ports.CredentialInspector {
	return &JWTInspector{parser: jwt.NewParser()}
}

// Inspect extracts subject and expiry from the token
func (j *JWTInspector) Inspect(tokenStr string) (*core.Credential, error) {
	claims := &BearerClaims{}
	if _, _, err := j.parser.ParseUnverified(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("failed to parse credential: %w", err)
	}

	cred := &core.Credential{
		Token:   tokenStr,
		Subject: claims.Subject,
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}

	return cred, nil
}

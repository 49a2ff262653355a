package credential

import "github.com/golang-jwt/jwt/v5"

// BearerClaims are the claims read from an identity-service credential
type BearerClaims struct {
	jwt.RegisteredClaims
	EnvironmentID string `json:"environment_id,omitempty"`
}

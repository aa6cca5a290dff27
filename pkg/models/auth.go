package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims identifies an API client. The client id travels as the registered subject.
type JWTClaims struct {
	Scopes []string `json:"scopes,omitempty"` // analyze, map, process
	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant scope. Tokens without scopes grant everything.
func (c *JWTClaims) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
}

type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"`
}

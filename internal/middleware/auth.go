package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/pkg/models"
)

const (
	ContextClientID = "client_id"
	ContextClaims   = "claims"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*models.JWTClaims, error)
}

// Auth requires a Bearer JWT and stores the client identity in the context.
func Auth(validator TokenValidator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, http.StatusUnauthorized, "MISSING_AUTHORIZATION", "Authorization header is required")
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			abortWithError(c, http.StatusUnauthorized, "INVALID_AUTHORIZATION_FORMAT", "Authorization header must be in format 'Bearer <token>'")
			return
		}

		claims, err := validator.ValidateToken(tokenParts[1])
		if err != nil {
			logger.WithError(err).WithField("client_ip", c.ClientIP()).Warn("Invalid JWT token")
			abortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		c.Set(ContextClientID, claims.Subject)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// RequireScope rejects clients whose token does not grant scope. It must run after Auth.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(ContextClaims)
		claims, ok := value.(*models.JWTClaims)
		if !exists || !ok {
			abortWithError(c, http.StatusUnauthorized, "MISSING_AUTHORIZATION", "Authentication is required")
			return
		}
		if !claims.HasScope(scope) {
			abortWithError(c, http.StatusForbidden, "INSUFFICIENT_SCOPE", "Token does not grant scope '"+scope+"'")
			return
		}
		c.Next()
	}
}

// ClientID returns the authenticated client or an empty string.
func ClientID(c *gin.Context) string {
	return c.GetString(ContextClientID)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

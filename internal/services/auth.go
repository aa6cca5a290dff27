package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

// AuthService issues and validates HS256 bearer tokens for API clients.
type AuthService struct {
	config    *config.AuthConfig
	logger    *logrus.Logger
	jwtSecret []byte
}

func NewAuthService(cfg *config.AuthConfig, logger *logrus.Logger) *AuthService {
	return &AuthService{
		config:    cfg,
		logger:    logger,
		jwtSecret: []byte(cfg.JWTSecret),
	}
}

func (s *AuthService) GenerateToken(clientID string, scopes []string) (*models.TokenResponse, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}

	now := time.Now()
	expiresAt := now.Add(s.config.TokenTTL)
	claims := &models.JWTClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"client_id":  clientID,
		"scopes":     scopes,
		"expires_at": expiresAt,
	}).Info("API token issued")

	return &models.TokenResponse{
		Token:     tokenString,
		ExpiresAt: expiresAt,
		ClientID:  clientID,
	}, nil
}

func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(s.config.Issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return claims, nil
}

// Package auth mints and verifies the bearer tokens that identify actors.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/org/secretflow/pkg/models"
)

// ErrInvalidToken is returned for malformed, expired or wrongly signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload. Subject carries the actor id.
type Claims struct {
	jwt.RegisteredClaims
	ActorType models.ActorType    `json:"typ"`
	Scopes    []models.TokenScope `json:"scopes,omitempty"`
	Access    []string            `json:"access,omitempty"`
}

// TokenService signs and validates HS256 tokens.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService creates a TokenService. secret must not be empty.
func NewTokenService(secret []byte, issuer string) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	return &TokenService{secret: secret, issuer: issuer, now: time.Now}, nil
}

// CreateToken signs a token for actor. A zero ttl never expires.
func (s *TokenService) CreateToken(actor models.Actor, ttl time.Duration) (string, error) {
	switch actor.Type {
	case models.ActorUser, models.ActorIdentity, models.ActorService:
	default:
		return "", fmt.Errorf("unknown actor type %q", actor.Type)
	}
	if actor.ID == "" {
		return "", errors.New("actor id is required")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actor.ID,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       models.NewID(),
		},
		ActorType: actor.Type,
		Scopes:    actor.Scopes,
		Access:    actor.Access,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies raw and returns the actor it was minted for.
func (s *TokenService) ValidateToken(raw string) (models.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return s.secret, nil }, opts...)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ActorType == "" {
		return models.Actor{}, fmt.Errorf("%w: missing subject or actor type", ErrInvalidToken)
	}
	return models.Actor{
		Type:   claims.ActorType,
		ID:     claims.Subject,
		Scopes: claims.Scopes,
		Access: claims.Access,
	}, nil
}

// Package auth issues and verifies the HS256 tokens the gateway accepts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"larptable/api/internal/rbac"
	"larptable/api/internal/util"
)

type Claims struct {
	jwt.RegisteredClaims
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	Role    string `json:"role"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Principal is the authenticated user behind a session.
type Principal struct {
	Subject  string    `json:"subject"`
	Name     string    `json:"name"`
	PhotoURL string    `json:"photoUrl,omitempty"`
	Role     rbac.Role `json:"role"`
}

func NewClaims(principal Principal, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Subject,
			ID:        util.NewID("tok"),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:    principal.Name,
		Picture: principal.PhotoURL,
		Role:    string(principal.Role),
	}
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" || claims.Name == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c Claims) Principal() Principal {
	return Principal{
		Subject:  c.Subject,
		Name:     c.Name,
		PhotoURL: c.Picture,
		Role:     rbac.Normalize(c.Role),
	}
}

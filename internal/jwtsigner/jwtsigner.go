// Package jwtsigner issues and verifies the HS256 bearer tokens the
// reference backend accepts. One shared secret and issuer; clients
// read the expiry claim without verifying to schedule their refresh.
package jwtsigner

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("jwtsigner: invalid token")

type Claims struct {
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	Issuer string
	TTL    time.Duration
}

// New builds a signer from the shared secret. An empty secret generates
// an ephemeral one, usable only while a single server process lives.
func New(secret, issuer string, ttl time.Duration) (*Signer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("jwtsigner: generate ephemeral secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: key, Issuer: issuer, TTL: ttl}, nil
}

// Sign issues a token for the given user id as subject.
func (s *Signer) Sign(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token, enforcing HS256 and the
// configured issuer, and requires a non-empty subject.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if s.Issuer != "" && claims.Issuer != s.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Package auth verifies bearer tokens issued by the external auth service.
package auth

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors, mapped to §7's AuthMissing/AuthExpired/AuthInvalid.
var (
	ErrMissingToken   = errors.New("missing token")
	ErrExpiredToken   = errors.New("token expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidSubject = errors.New("invalid username format")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

const maxUsernameLen = 30

// Verifier validates HS256 bearer tokens against a shared secret loaded
// from JWT_SECRET_KEY, extracting the `sub` claim as the username. It must
// interoperate with tokens issued by the external auth service using the
// same secret and algorithm.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier. secret must be non-empty; config.Load
// already enforces that JWT_SECRET_KEY is set, so the relay fails closed at
// startup rather than here.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the username from the `sub`
// claim. It enforces the HS256 signing method explicitly (never trusting
// the token's own `alg` header) and the username shape required by §4.1:
// non-empty, at most 30 characters, and matching [A-Za-z0-9_]+.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidSubject
	}

	if !isValidUsername(sub) {
		return "", ErrInvalidSubject
	}

	return sub, nil
}

func isValidUsername(username string) bool {
	if username == "" || len(username) > maxUsernameLen {
		return false
	}
	return usernamePattern.MatchString(username)
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-shared-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifier_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	username, err := v.Verify(token)
	if err != nil {
		t.Fatalf("expected valid token, got error: %v", err)
	}
	if username != "alice" {
		t.Errorf("expected username 'alice', got %q", username)
	}
}

func TestVerifier_MissingToken(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify(""); err != ErrMissingToken {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifier_ExpiredToken(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := v.Verify(token); err != ErrExpiredToken {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifier_WrongSecret(t *testing.T) {
	v := NewVerifier(testSecret)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("a-different-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(signed); err == nil {
		t.Fatal("expected verification failure for wrong secret")
	}
}

func TestVerifier_RejectsUnexpectedAlgorithm(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, jwt.SigningMethodHS384, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected verification failure for HS384 token")
	}
}

func TestVerifier_MalformedToken(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify("not-a-jwt"); err == nil {
		t.Fatal("expected verification failure for malformed token")
	}
}

func TestVerifier_InvalidUsername(t *testing.T) {
	cases := []string{
		"",
		"has spaces",
		"semi;colon",
		"this-username-is-definitely-too-long-for-the-limit",
	}

	v := NewVerifier(testSecret)
	for _, sub := range cases {
		claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
		if sub != "" {
			claims["sub"] = sub
		}
		token := signToken(t, jwt.SigningMethodHS256, claims)

		if _, err := v.Verify(token); err != ErrInvalidSubject {
			t.Errorf("subject %q: expected ErrInvalidSubject, got %v", sub, err)
		}
	}
}

func TestIsValidUsername(t *testing.T) {
	valid := []string{"alice", "Bob_42", "a", "ABCDEFGHIJ0123456789ABCDEFGHIJ"}
	invalid := []string{"", "has space", "semi;colon", "this-has-dashes", "a_username_over_thirty_chars_long"}

	for _, u := range valid {
		if !isValidUsername(u) {
			t.Errorf("expected %q to be valid", u)
		}
	}
	for _, u := range invalid {
		if isValidUsername(u) {
			t.Errorf("expected %q to be invalid", u)
		}
	}
}

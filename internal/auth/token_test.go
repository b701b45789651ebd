// ABOUTME: Unit tests for runtime credential and container token handling
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and agent binding

package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	token, err := verifier.Generate("runtime-owner", "space-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if claims.Subject != "runtime-owner" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "runtime-owner")
	}
	if claims.SpaceID != "space-1" {
		t.Errorf("SpaceID = %q, want %q", claims.SpaceID, "space-1")
	}
}

func TestJWTVerifier_UnscopedToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	token, _ := verifier.Generate("owner", "", time.Hour)

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.SpaceID != "" {
		t.Errorf("SpaceID = %q, want empty", claims.SpaceID)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	wrongSecret, _ := NewJWTVerifier([]byte("different-secret")).Generate("owner", "", time.Hour)

	for name, token := range map[string]string{
		"empty token":   "",
		"garbage token": "not-a-jwt-token",
		"malformed JWT": "header.payload.signature",
		"wrong secret":  wrongSecret,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	token, err := verifier.Generate("owner", "space", -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestContainerTokens(t *testing.T) {
	tokens := NewContainerTokens([]byte("container-secret"))

	a, err := tokens.Generate("space:chan:fox")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, _ := tokens.Generate("space:chan:fox")
	if a != b {
		t.Error("container tokens should be deterministic per agent id")
	}

	if err := tokens.Verify(a, "space:chan:fox"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := tokens.Verify(a, "space:chan:bear"); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("Verify() wrong agent error = %v, want ErrTokenMismatch", err)
	}
	if err := NewContainerTokens([]byte("other")).Verify(a, "space:chan:fox"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() wrong secret error = %v, want ErrInvalidToken", err)
	}

	runtimeToken, _ := NewJWTVerifier([]byte("container-secret")).Generate("space:chan:fox", "", time.Hour)
	if err := tokens.Verify(runtimeToken, "space:chan:fox"); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() runtime token error = %v, want ErrMissingClaim", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if _, reason := BearerToken(r); reason != "missing authorization header" {
		t.Errorf("reason = %q", reason)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, reason := BearerToken(r); reason != "invalid authorization header format" {
		t.Errorf("reason = %q", reason)
	}
	r.Header.Set("Authorization", "Bearer tok")
	if tok, reason := BearerToken(r); tok != "tok" || reason != "" {
		t.Errorf("BearerToken() = %q, %q", tok, reason)
	}
}

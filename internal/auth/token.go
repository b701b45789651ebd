// ABOUTME: JWT verification for runtime credentials presented on the runtime socket
// ABOUTME: Uses HS256 signing with configurable secret; claims carry the runtime's space

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// RuntimeClaims identifies an externally registered runtime's credential.
type RuntimeClaims struct {
	// Subject is the principal the credential was issued to.
	Subject string

	// SpaceID is the space the credential is scoped to. Empty means any.
	SpaceID string
}

// TokenVerifier defines the interface for runtime credential verification
type TokenVerifier interface {
	Verify(tokenString string) (*RuntimeClaims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	// Validate the signing method is HS256
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

// Verify validates the token and extracts the subject and space claims
func (v *JWTVerifier) Verify(tokenString string) (*RuntimeClaims, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	space, _ := claims["space"].(string)
	return &RuntimeClaims{Subject: sub, SpaceID: space}, nil
}

// Generate creates a runtime credential for subject scoped to spaceID
func (v *JWTVerifier) Generate(subject, spaceID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if spaceID != "" {
		claims["space"] = spaceID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

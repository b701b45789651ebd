// ABOUTME: Bearer tokens for container callbacks, HMAC-derived from the agent id
// ABOUTME: Deterministic per agent so a container can compare against its activation env

package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenMismatch means a container token was issued for a different agent.
var ErrTokenMismatch = errors.New("token issued for a different agent")

const containerScope = "container"

// ContainerTokens mints and checks the bearer tokens used between the control
// plane and agent containers.
type ContainerTokens struct {
	secret []byte
}

// NewContainerTokens creates a token issuer keyed by secret.
func NewContainerTokens(secret []byte) *ContainerTokens {
	return &ContainerTokens{secret: secret}
}

// Generate returns the token for agentID. The token carries no timestamps, so
// the same agent id always yields the same token.
func (c *ContainerTokens) Generate(agentID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   agentID,
		"scope": containerScope,
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing container token: %w", err)
	}
	return signed, nil
}

// Parse validates tokenString and returns the agent id it was issued for.
func (c *ContainerTokens) Parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if scope, _ := claims["scope"].(string); scope != containerScope {
		return "", fmt.Errorf("%w: scope", ErrMissingClaim)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Verify checks tokenString and that it was issued for agentID.
func (c *ContainerTokens) Verify(tokenString, agentID string) error {
	sub, err := c.Parse(tokenString)
	if err != nil {
		return err
	}
	if sub != agentID {
		return ErrTokenMismatch
	}
	return nil
}

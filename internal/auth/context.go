// ABOUTME: Authentication context for tracking container identity through request handlers
// ABOUTME: Provides WithContainer/FromContext for propagating the token's agent id via context

package auth

import (
	"context"
)

// ContainerIdentity is the identity proven by a container bearer token.
// This is populated by the container auth middleware and can be retrieved from
// context in handlers.
type ContainerIdentity struct {
	AgentID string
}

// Allows reports whether the identity may act for agentID. A nil identity
// (unauthenticated request on an optional route) allows everything.
func (c *ContainerIdentity) Allows(agentID string) bool {
	return c == nil || c.AgentID == agentID
}

// containerContextKey is the key type for storing ContainerIdentity in context.Context.
type containerContextKey struct{}

// WithContainer returns a new context with the ContainerIdentity attached.
func WithContainer(ctx context.Context, id *ContainerIdentity) context.Context {
	return context.WithValue(ctx, containerContextKey{}, id)
}

// FromContext retrieves the ContainerIdentity from the context, returning nil if not present.
func FromContext(ctx context.Context) *ContainerIdentity {
	val := ctx.Value(containerContextKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*ContainerIdentity)
	if !ok {
		return nil
	}
	return id
}

// ABOUTME: HTTP middleware for container token authentication on the agent endpoints
// ABOUTME: Extracts the bearer token and adds the container identity to context

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerToken returns the request's bearer token, or a reason it has none.
func BearerToken(r *http.Request) (token string, reason string) {
	return extractBearerToken(r.Header.Get("Authorization"))
}

// ContainerAuthMiddleware validates container bearer tokens. When required is
// false, requests without an Authorization header pass through with no
// identity; a header that is present must always be valid.
func ContainerAuthMiddleware(tokens *ContainerTokens, required bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required && r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, errMsg := BearerToken(r)
			if errMsg != "" {
				logger.Debug("container auth failed", "reason", errMsg, "path", r.URL.Path)
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			agentID, err := tokens.Parse(token)
			if err != nil {
				logger.Debug("container auth failed", "reason", "invalid token", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithContainer(r.Context(), &ContainerIdentity{AgentID: agentID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

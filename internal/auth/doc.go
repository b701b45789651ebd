// Package auth provides the credentials used between the control plane, agent
// containers and externally registered runtimes.
//
// # Container Tokens
//
// Every agent container receives a bearer token derived from its agent id:
//
//	tokens := auth.NewContainerTokens(secret)
//	token, err := tokens.Generate("space:chan:fox")
//
// The token is an HS256 JWT with "sub" set to the agent id and "scope" set to
// "container". It carries no timestamps, so it is stable across restarts of
// the control plane. The same token authenticates callback pushes to the
// container and the container's own check-in, heartbeat and frame calls
// (ContainerAuthMiddleware).
//
// # Runtime Credentials
//
// Runtimes that attach over the runtime socket may present a JWT signed with
// the runtime secret. JWTVerifier checks it and exposes the "space" claim so
// the connection manager can reject a runtime declaring a different space.
package auth

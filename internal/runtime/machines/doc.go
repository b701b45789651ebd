// Package machines runs agents on remote machines through the machine API.
//
// Client wraps the API with bearer auth, an optional client-side rate limit
// and retries: 429, 5xx and network failures are retried up to three times
// (1s, 2s, 4s); other 4xx responses are returned at once as *APIError. A 404
// on lookup, stop or delete means the machine does not exist.
//
// Driver implements agent.Runtime on top of the shared roster. Machines are
// named from a hash of the agent id, so concurrent activations of the same
// agent collide on the API's 409 instead of racing to create two machines.
package machines

// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Store is the single interface the gateway depends on. SQLiteStore backs it
// in production and MockStore backs it in unit tests; both share the same
// semantics for duplicates, missing rows and readmark ordering.
//
// # Data Models
//
//   - Channel: a conversation within a space
//   - RosterEntry: one agent seat in a channel, keyed by (space, channel, callsign)
//   - Message: an immutable channel message with the callsigns it addressed
//   - RuntimeRecord: last known state of a runtime that registered over the socket
//
// A roster entry carries both the agent lifecycle status and the delivery
// state: callback URL, route hints, last heartbeat and the readmark. The
// readmark only moves forward; message ids are UUIDv7 strings so that
// lexical order matches creation order.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Database file locations:
//
//   - Production: path from database.path in the config file
//   - Development: ~/.local/share/roost-gateway/gateway.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
//   - ErrNotFound: requested row does not exist
//   - ErrAlreadyExists: roster seat already taken
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	st := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store

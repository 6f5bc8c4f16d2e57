// Package session houses concrete implementations of core.SessionStore, the
// per-conversation record that binds a channel conversation to exactly one
// agent thread and carries any turn parked on an interactive sign-in.
//
// Every backend honours the same optimistic concurrency contract: Get returns
// (nil, nil) for unknown conversations and Put only succeeds when the caller's
// expected version matches the stored one (0 meaning "create"). Callers that
// need read-modify-write semantics use Update, which retries from a fresh read
// on ErrVersionConflict.
//
// Backends:
//
//   - InMemoryStore: process local, the default when nothing is configured
//   - SQLStore: SQLite (modernc.org/sqlite) or MySQL (go-sql-driver/mysql)
//   - RedisStore: go-redis with a compare-and-set script
//
// Open selects one of them from a Config so only the wiring layer decides
// which implementation to instantiate.
package session

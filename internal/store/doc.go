// Package store provides keyed session storage for coven-relay.
//
// # Architecture
//
// Every conversation (a Telegram chat, a Matrix room, an API caller's key)
// owns one Session. Sessions are isolated by key: no two keys share history,
// and a caller never receives a slice it could mutate inside the store.
//
// Two backends implement the Store interface:
//
//   - MemoryStore: default, process-local map of session copies
//   - SQLiteStore: durable sessions table using modernc.org/sqlite
//
// # State Model
//
// Session.State is a closed union of two variants:
//
//   - Idle: no committed turns yet (every unknown key reads as Idle, version 0)
//   - Active{History}: system turn followed by alternating user/assistant turns
//
// The store does not enforce the alternation rule. ValidateHistory exists for
// the conversation engine and for tests.
//
// # Optimistic Concurrency
//
// Writers follow read-version, compute, write-if-unchanged:
//
//	sess, _ := s.Get(ctx, key)
//	next := &store.Session{State: store.Active{History: h}}
//	err := s.CompareAndSwap(ctx, key, sess.Version, next)
//	if errors.Is(err, store.ErrConflict) {
//	    // another writer committed first; re-read and recompute
//	}
//
// A successful swap stores version expectedVersion+1. The MemoryStore mutex is
// held only for the map access and version compare; it is never held while a
// caller talks to a model provider.
//
// # Retention
//
// Prune deletes sessions whose UpdatedAt is older than a cut-off. The gateway
// runs it periodically when database.session_ttl is set. Delete is the
// administrative reset used by the CLI.
//
// # Testing
//
// Contract tests run against both backends. Use NewMemoryStore() in unit
// tests of other packages and NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
// for integration tests.
package store

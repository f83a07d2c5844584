// Package session persists conversation turns keyed by session id.
//
// Invariants:
//   - Turns are append-only; a stored turn is never edited.
//   - Turn timestamps within a session are strictly increasing. Stores bump a
//     timestamp by one nanosecond when it would not be later than its predecessor.
//   - A multi-turn Append is all-or-nothing.
//   - Session ids are validated and path-safe.
//
// Usage:
//
//	store, _ := session.NewFileStore("/tmp/ragent/sessions")
//	s, _ := store.Create(ctx)
//	_ = store.Append(ctx, s.ID, session.NewTurn(session.RoleUser, "hello"))
//	s, _ = store.Get(ctx, s.ID)
package session

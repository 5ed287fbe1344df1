// Package session keeps per-session conversation transcripts in memory.
//
// Invariants:
// - A session is created implicitly by its first write; concurrent first writes
//   for the same id converge on one transcript.
// - Turns are returned in append order; a read sees every append that finished before it.
// - Reads never create sessions and never fail.
// - Eviction (idle TTL, then LRU down to capacity) never removes a session pinned by Hold,
//   and no append is lost to a concurrently evicted entry.
//
// Usage:
//
//	store := session.NewMemoryStore(session.WithMaxSessions(10000), session.WithIdleTTL(2*time.Hour))
//	store.AppendTurn("abc", session.UserTurn("What is grace?"))
//	history := store.GetHistory("abc")
//	_ = history
package session

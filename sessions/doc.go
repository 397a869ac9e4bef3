// Package sessions holds the single source of truth for "who is signed in":
// the session state (loading, unauthenticated, authenticated) and the cached
// identity derived from the current credential.
//
// Layers & Roles
//
//	coordinator.Coordinator -> the only writer (SetLoading, SetAuthenticated, SetUnauthenticated)
//	sessions.View           -> read-only surface handed to UI collaborators
//
// Readers take immutable snapshots and may Subscribe to be told when a new
// snapshot is available. Notifications are coalescing: a subscriber that has
// not drained its channel sees a single pending signal, then reads the latest
// snapshot.
package sessions

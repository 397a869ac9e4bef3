// Package coordinator owns the authentication session: it keeps the stored
// access credential fresh, deduplicates concurrent renewals, and publishes
// the resulting session state through a sessions.View.
//
// # Lifecycle
//
//	c := coordinator.New(store, issuer, coordinator.WithLogger(log))
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Close()
//
// Start validates the stored credential once and then re-validates it on
// every interval tick and whenever the storage backend reports an external
// change (see storage.Watcher).
//
// # Renewal
//
// RenewOnce is single-flight: while a renewal is running, further callers
// wait for its result instead of starting another one. When it finishes the
// coordinator first persists or clears the credential and updates the
// session state, then hands the same (credential, error) pair to every
// caller in the order they arrived. A failed renewal always leaves the
// session Unauthenticated with no stored credential, and the returned error
// wraps both ErrUnrecoverableSession and renewal.ErrRenewal.
package coordinator

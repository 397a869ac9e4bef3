// Package gateway sends authenticated HTTP requests on behalf of the
// application and hides credential expiry from it.
//
// Every request carries the current credential as a bearer token. When the
// server answers with an expiry-class response (401 by default), the gateway
// obtains a fresh credential (sharing any renewal already in flight), replays
// the request exactly once, and returns the replay's response. If renewal
// fails, or the replay is rejected as well, the session is treated as
// unrecoverable: the unrecoverable handler is invoked and the call fails with
// an error wrapping ErrUnrecoverableSession.
//
// Gateway.Do is the primary entry point; Transport and Client expose the
// same behaviour to code that expects an http.RoundTripper or *http.Client,
// and Get, Post, Put and Delete decode JSON responses.
package gateway

// Package renewal talks to the dashboard identity service: it exchanges
// username/password for an access credential, exchanges the long-lived
// renewal cookie for a fresh credential, and notifies the service on logout.
//
// The renewal cookie is set by the service on login and lives in the
// client's cookie jar; this package never reads its value. Refresh performs
// exactly one network call per invocation and never retries: retry and
// de-duplication policy belongs to the session coordinator.
//
// # Errors
//
// Every Refresh failure wraps ErrRenewal. A non-2xx answer is a *StatusError
// carrying the status code and any error detail the service returned; a 2xx
// answer without an access_token wraps ErrMissingToken. Login rejections wrap
// ErrLoginRejected.
package renewal

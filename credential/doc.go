// Package credential decodes the short-lived access credential held by a
// dashboard session and decides whether it is still usable.
//
// Decoding is deliberately unverified: the credential was issued (and will be
// verified) by the identity service, so the client only needs the claims to
// know who the user is and when the credential runs out. Decode never checks
// the signature and never applies time-based validation; callers use IsValid
// or a Validator for that.
//
// Example:
//
//	claims, err := credential.Decode(tok)
//	if errors.Is(err, credential.ErrDecode) { /* renew */ }
//	if !credential.IsValid(claims, time.Now()) { /* renew */ }
//	id := claims.Identity()
//
// # Clock Skew
//
// IsValid compares the exp claim against the local clock with no tolerance.
// Validator adds a configurable Leeway; a positive leeway treats credentials
// that expire within the window as already expired so they are renewed early.
package credential

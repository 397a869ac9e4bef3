package renewal

import (
	"errors"
	"fmt"
)

var (
	// ErrRenewal indicates the credential could not be renewed: the issuer
	// rejected the renewal cookie, the network failed, or the call timed out.
	ErrRenewal = errors.New("renewal: failed")

	// ErrMissingToken indicates a success response without an access token.
	ErrMissingToken = errors.New("renewal: response missing access_token")

	// ErrLoginRejected indicates the issuer refused the supplied credentials.
	ErrLoginRejected = errors.New("renewal: login rejected")
)

// StatusError is returned when the issuer answers with a non-2xx status.
type StatusError struct {
	Op          string `json:"-"` // "login", "refresh" or "logout"
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Detail      string `json:"detail"`

	kind error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	switch {
	case e.Code != "" && e.Description != "":
		msg += fmt.Sprintf(": %s: %s", e.Code, e.Description)
	case e.Code != "":
		msg += ": " + e.Code
	case e.Detail != "":
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes the error class (ErrRenewal or ErrLoginRejected).
func (e *StatusError) Unwrap() error { return e.kind }

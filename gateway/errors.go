package gateway

import (
	"errors"
	"fmt"

	"github.com/ggoodman/authsession-go/coordinator"
)

// ErrUnrecoverableSession is coordinator.ErrUnrecoverableSession.
var ErrUnrecoverableSession = coordinator.ErrUnrecoverableSession

// ErrUnexpectedContentType is returned by the JSON helpers when a response
// body is not JSON.
var ErrUnexpectedContentType = errors.New("gateway: unexpected content type")

// HTTPError is returned by the JSON helpers for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("gateway: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.StatusCode, truncate(e.Body, 256))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package protect

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("protect: authentication failed")
	ErrNoBootstrap    = errors.New("protect: bootstrap not loaded")
)

// HTTPError is returned for non-success responses. Body holds the start of
// the response body for diagnostics.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("protect %s: status=%d, body=%s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("protect %s: status=%d", e.Op, e.StatusCode)
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

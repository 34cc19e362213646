package fetch

import (
	"errors"
	"fmt"
)

// ErrIdleTimeout is reported when a response body produces no bytes for
// longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("read idle timeout")

// HTTPError is a non-2xx response status.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// TransportError is an I/O failure while connecting or streaming.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

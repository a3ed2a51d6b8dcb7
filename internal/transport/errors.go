package transport

import "errors"

// Failure taxonomy for transport operations. Errors are wrapped with
// context via fmt.Errorf("%w", ...) so callers match with errors.Is.
var (
	ErrInvalidURL          = errors.New("invalid url")
	ErrInvalidDataEncoding = errors.New("invalid data encoding")
	// ErrURLSession wraps failures of the underlying HTTP round trip.
	ErrURLSession      = errors.New("url session failure")
	ErrInvalidResponse = errors.New("invalid response")
	ErrNoCachedData    = errors.New("no cached data")
	ErrUnknown         = errors.New("unknown transport error")
)

// Failure is the payload of a transport.failure bus event: every
// transport error is observable by the host app, never silently
// swallowed.
type Failure struct {
	Op  string
	URL string
	Err error
}

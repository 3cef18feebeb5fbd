package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// ErrCanceled is returned when the caller's context is canceled before the
// response arrives.
var ErrCanceled = errors.New("request canceled")

var errNotJSON = errors.New("response is not JSON")

// TimeoutError is returned when a request does not complete within the
// client timeout (or the caller's deadline).
type TimeoutError struct {
	Method  string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return "Request timeout"
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is returned for non-2xx responses. Message holds the
// server's detail/message field when the body carried one, otherwise
// "HTTP <status>: <statusText>".
type HTTPStatusError struct {
	Status     int
	StatusText string
	Message    string
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return e.Message
}

// ParseError is returned when a successful JSON response cannot be decoded
type ParseError struct {
	ContentType string
	Err         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.ContentType, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NetworkError wraps transport failures: refused connections, DNS errors,
// resets.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is (or wraps) a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

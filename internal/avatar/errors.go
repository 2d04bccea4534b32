package avatar

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation runs against a client that was
	// disconnected.
	ErrClosed = errors.New("avatar client closed")
	// ErrNotReusable is returned by Connect on a client that already connected
	// or failed. Build a new client instead.
	ErrNotReusable = errors.New("avatar client cannot be reused")
)

// Connect stages reported in ConnectionError.
const (
	StageCreateSession = "create_session"
	StageNegotiate     = "negotiate"
	StageTransport     = "transport"
)

// ConnectionError reports which connect stage failed.
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("avatar connect %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the avatar REST API. Message is the
// remote-provided message, verbatim.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StateError is returned when an operation requires a connection state
// other than the current one.
type StateError struct {
	Op    string
	State ConnectionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// NewStateError creates a StateError for op observed in state.
func NewStateError(op string, state ConnectionState) *StateError {
	return &StateError{Op: op, State: state}
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrAlreadyConnected is returned by Connect when the socket is already open.
	ErrAlreadyConnected = errors.New("connection already open")

	// ErrNotConnected is returned when sending on a socket that is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidState is returned when an adapter operation needs the Connected state.
	ErrInvalidState = errors.New("invalid connection state")

	// ErrLoginFailed is returned when the exchange rejects or ignores a login request.
	ErrLoginFailed = errors.New("login failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrMalformedLevel is returned when a price level tuple cannot be parsed.
	ErrMalformedLevel = errors.New("malformed price level")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

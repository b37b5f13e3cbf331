package feed

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by adapters and the Manager.
var (
	// ErrNotInitialized is returned when an operation requires a live
	// adapter but Initialize has not succeeded yet.
	ErrNotInitialized = errors.New("manager not initialized")

	// ErrNotConnected is returned by adapter calls that require an open
	// transport connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAdapterDestroyed is returned by every adapter call after Destroy.
	ErrAdapterDestroyed = errors.New("adapter destroyed")

	// ErrNoAccessToken is returned by Initialize when the auth collaborator
	// has no stored access token.
	ErrNoAccessToken = errors.New("no access token available")
)

// ConnectionError reports a failure to establish or maintain the transport
// connection to a broker.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection to broker %q failed: %v", e.Broker, e.Err)
	}
	return fmt.Sprintf("connection to broker %q failed", e.Broker)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps err with the broker it concerns.
func NewConnectionError(broker string, err error) *ConnectionError {
	return &ConnectionError{Broker: broker, Err: err}
}

// SubscriptionError reports a failure to subscribe, unsubscribe or change
// mode for a set of instrument tokens.
type SubscriptionError struct {
	Tokens []uint32
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription failed for tokens %v: %v", e.Tokens, e.Err)
	}
	return fmt.Sprintf("subscription failed for tokens %v", e.Tokens)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// NewSubscriptionError wraps err with the affected instrument tokens.
func NewSubscriptionError(tokens []uint32, err error) *SubscriptionError {
	return &SubscriptionError{Tokens: tokens, Err: err}
}

package feed

import (
	"context"
	"log/slog"
)

// AdapterConfig holds everything a provider adapter needs to open its
// transport. The access token is resolved by the Manager from the auth
// collaborator just before construction.
type AdapterConfig struct {
	APIKey      string
	AccessToken string
	Debug       bool

	// AutoReconnect enables the transport's bounded reconnect policy.
	AutoReconnect bool
	// MaxReconnectAttempts caps transport-level reconnects. Zero means the
	// adapter's default ceiling.
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// Adapter is the capability contract every streaming provider implements.
// Normalizing to this shape keeps the Manager provider-agnostic: an adapter
// translates whatever heterogeneous wire formats its broker emits into the
// canonical InstrumentTick/OrderUpdate vocabulary before emitting events.
//
// Subscribe, Unsubscribe and SetMode are idempotent: subscribing an
// already-subscribed token updates its mode, unsubscribing an unknown token
// is a no-op. Each fails with a SubscriptionError if the transport is not
// connected. After Destroy every call fails with ErrAdapterDestroyed.
type Adapter interface {
	// Connect establishes the transport. It fails with a ConnectionError
	// if credentials are invalid or the transport cannot be opened.
	Connect(ctx context.Context) error
	// Disconnect tears down the transport without releasing listeners.
	Disconnect() error

	// IsConnected is a synchronous, non-blocking status read.
	IsConnected() bool
	// ConnectionStatus is a synchronous, non-blocking status read.
	ConnectionStatus() ConnectionStatus

	Subscribe(ctx context.Context, reqs []SubscriptionRequest) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	SetMode(ctx context.Context, mode Mode, tokens []uint32) error

	// ActiveSubscriptions returns the adapter's own view of what is
	// subscribed at the wire level. The Manager reconciles against it
	// after a reconnect.
	ActiveSubscriptions() []SubscriptionRequest

	// Event registration. Each call adds a listener and returns its
	// deregistration func; multiple registrations are supported.
	OnTick(fn func(ticks []InstrumentTick)) func()
	OnConnect(fn func()) func()
	OnDisconnect(fn func(err error)) func()
	OnError(fn func(err error)) func()
	OnOrderUpdate(fn func(update OrderUpdate)) func()

	// RemoveAllListeners clears every registered listener atomically.
	RemoveAllListeners()

	// Destroy disconnects and releases all resources. The adapter rejects
	// all further calls afterwards.
	Destroy() error
}

package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tickerdesk/livefeed/metrics"
)

// ErrReconnectExhausted marks a disconnect as terminal: the transport's
// bounded retry policy ran out of attempts and will not retry further.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Config holds the dependencies for creating a new Manager.
type Config struct {
	Registry *Registry        // required
	Tokens   TokenSource      // required
	Logger   *slog.Logger     // required
	Metrics  *metrics.Metrics // optional
}

// SessionConfig is the per-session configuration passed to Initialize.
// Everything else (inter-attempt delay, mode semantics) is fixed policy.
type SessionConfig struct {
	Broker               string
	APIKey               string
	Debug                bool
	AutoReconnect        bool
	MaxReconnectAttempts int
}

// Manager is the orchestration core of the live data feed. It owns the
// active adapter, tracks per-instrument subscriptions, keeps the latest
// known tick per token and re-establishes subscriptions after reconnect.
//
// A Manager is constructed once per authenticated session and reset with
// Cleanup on logout. It guarantees at most one live transport connection:
// Initialize tears down any prior adapter before creating a new one.
type Manager struct {
	registry *Registry
	tokens   TokenSource
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// lifecycleMu serializes Initialize, Reconnect and Cleanup so two
	// concurrent lifecycle calls can never race into two live adapters.
	lifecycleMu sync.Mutex

	mu        sync.RWMutex
	state     State
	cfg       SessionConfig
	adapter   Adapter
	subs      map[uint32]*Subscription
	lastTicks map[uint32]InstrumentTick

	tickListeners  *Listeners[func([]InstrumentTick)]
	orderListeners *Listeners[func(OrderUpdate)]
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	return &Manager{
		registry:       cfg.Registry,
		tokens:         cfg.Tokens,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		state:          StateUninitialized,
		subs:           make(map[uint32]*Subscription),
		lastTicks:      make(map[uint32]InstrumentTick),
		tickListeners:  NewListeners[func([]InstrumentTick)](),
		orderListeners: NewListeners[func(OrderUpdate)](),
	}, nil
}

// Initialize resolves the access token, constructs the broker adapter and
// connects it. Any previously live adapter is destroyed first. On failure
// the Manager is left uninitialized with no partial state.
func (m *Manager) Initialize(ctx context.Context, cfg SessionConfig) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.initialize(ctx, cfg)
}

// initialize is the locked core of Initialize; callers hold lifecycleMu.
func (m *Manager) initialize(ctx context.Context, cfg SessionConfig) error {
	m.teardownAdapter()

	accessToken, ok := m.tokens.StoredToken()
	if !ok || accessToken == "" {
		return NewConnectionError(cfg.Broker, ErrNoAccessToken)
	}

	m.mu.Lock()
	m.state = StateConnecting
	m.cfg = cfg
	m.mu.Unlock()

	adapter, err := m.registry.Create(cfg.Broker, AdapterConfig{
		APIKey:               cfg.APIKey,
		AccessToken:          accessToken,
		Debug:                cfg.Debug,
		AutoReconnect:        cfg.AutoReconnect,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               m.logger,
	})
	if err != nil {
		m.mu.Lock()
		m.state = StateUninitialized
		m.mu.Unlock()
		return NewConnectionError(cfg.Broker, err)
	}

	// Handlers must be live before Connect so no early event is lost.
	m.wireAdapterHandlers(adapter)

	if err := adapter.Connect(ctx); err != nil {
		_ = adapter.Destroy()
		m.mu.Lock()
		m.state = StateUninitialized
		m.mu.Unlock()
		return NewConnectionError(cfg.Broker, err)
	}

	m.mu.Lock()
	m.adapter = adapter
	m.state = StateActive
	m.mu.Unlock()

	m.logger.Info("Live data manager initialized", "broker", cfg.Broker)
	return nil
}

// wireAdapterHandlers registers the Manager's internal event handlers on a
// freshly created adapter.
func (m *Manager) wireAdapterHandlers(adapter Adapter) {
	adapter.OnTick(m.handleTicks)
	adapter.OnOrderUpdate(m.handleOrderUpdate)

	adapter.OnConnect(func() {
		m.mu.Lock()
		m.state = StateActive
		m.mu.Unlock()
		m.logger.Info("Feed connected")
		m.restoreSubscriptions(adapter)
	})

	adapter.OnDisconnect(func(err error) {
		m.mu.Lock()
		if errors.Is(err, ErrReconnectExhausted) {
			m.state = StateFailed
		} else {
			m.state = StateReconnecting
		}
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("Feed disconnected", "state", state, "error", err)
	})

	adapter.OnError(func(err error) {
		m.logger.Error("Feed error", "error", err)
	})
}

// restoreSubscriptions replays all tracked subscriptions onto the adapter
// after the transport reconnects. Failures are logged and skipped; the full
// reconcile path is Reconnect, which reports failed tokens to the caller.
func (m *Manager) restoreSubscriptions(adapter Adapter) {
	m.mu.RLock()
	reqs := make([]SubscriptionRequest, 0, len(m.subs))
	for _, sub := range m.subs {
		reqs = append(reqs, SubscriptionRequest{Token: sub.Token, Symbol: sub.Symbol, Mode: sub.Mode})
	}
	m.mu.RUnlock()

	if len(reqs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := adapter.Subscribe(ctx, reqs); err != nil {
		m.logger.Error("Failed to restore subscriptions after reconnect", "count", len(reqs), "error", err)
		return
	}

	// Restore per-token modes grouped per mode level.
	modeTokens := make(map[Mode][]uint32)
	for _, req := range reqs {
		modeTokens[req.Mode] = append(modeTokens[req.Mode], req.Token)
	}
	for mode, tokens := range modeTokens {
		if err := adapter.SetMode(ctx, mode, tokens); err != nil {
			m.logger.Error("Failed to restore mode after reconnect", "mode", mode, "tokens", tokens, "error", err)
		}
	}
	m.logger.Info("Restored subscriptions after reconnect", "count", len(reqs))
}

// SubscribeInstrument subscribes token at the given mode and returns the
/// subscription id. The call is idempotent: a second subscribe for the same
// token updates the mode (via SetMode, never a duplicate wire subscribe) and
// replaces the callback. Last subscribe wins for the callback; there is no
// per-consumer reference counting.
func (m *Manager) SubscribeInstrument(ctx context.Context, token uint32, symbol string, mode Mode, callback TickCallback) (string, error) {
	if !mode.Valid() {
		return "", NewSubscriptionError([]uint32{token}, fmt.Errorf("invalid mode %q", mode))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.adapter == nil {
		return "", NewSubscriptionError([]uint32{token}, ErrNotInitialized)
	}

	if existing, ok := m.subs[token]; ok {
		if existing.Mode != mode {
			if err := m.adapter.SetMode(ctx, mode, []uint32{token}); err != nil {
				return "", NewSubscriptionError([]uint32{token}, err)
			}
			existing.Mode = mode
		}
		existing.callback = callback
		m.logger.Debug("Subscription updated", "token", token, "mode", mode)
		return existing.ID, nil
	}

	req := SubscriptionRequest{Token: token, Symbol: symbol, Mode: mode}
	if err := m.adapter.Subscribe(ctx, []SubscriptionRequest{req}); err != nil {
		return "", NewSubscriptionError([]uint32{token}, err)
	}

	now := time.Now()
	sub := &Subscription{
		// token + creation timestamp keeps ids unique and sortable
		// without a central counter.
		ID:           fmt.Sprintf("%d-%d", token, now.UnixNano()),
		Token:        token,
		Symbol:       symbol,
		Mode:         mode,
		SubscribedAt: now,
		callback:     callback,
	}
	m.subs[token] = sub

	if m.metrics != nil {
		m.metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	}
	m.logger.Info("Subscribed instrument", "token", token, "symbol", symbol, "mode", mode)
	return sub.ID, nil
}

// UnsubscribeInstrument removes the subscription for token. Unsubscribing an
// unknown token is a logged no-op. If the adapter call fails, the local
// record is retained so Manager state never drifts ahead of the wire.
func (m *Manager) UnsubscribeInstrument(ctx context.Context, token uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[token]
	if !ok {
		m.logger.Debug("Unsubscribe for unknown token ignored", "token", token)
		return nil
	}

	if m.adapter == nil {
		return NewSubscriptionError([]uint32{token}, ErrNotInitialized)
	}

	if err := m.adapter.Unsubscribe(ctx, []uint32{token}); err != nil {
		return NewSubscriptionError([]uint32{token}, err)
	}

	delete(m.subs, token)
	delete(m.lastTicks, token)

	if m.metrics != nil {
		m.metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	}
	m.logger.Info("Unsubscribed instrument", "token", token, "symbol", sub.Symbol)
	return nil
}

// LatestTick returns the most recent tick for token, if any has arrived.
func (m *Manager) LatestTick(token uint32) (InstrumentTick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tick, ok := m.lastTicks[token]
	return tick, ok
}

// AllLatestTicks returns a copy of the latest-tick cache.
func (m *Manager) AllLatestTicks() map[uint32]InstrumentTick {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]InstrumentTick, len(m.lastTicks))
	for token, tick := range m.lastTicks {
		out[token] = tick
	}
	return out
}

// ActiveSubscriptions returns a copy of all current subscription records.
func (m *Manager) ActiveSubscriptions() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, *sub)
	}
	return out
}

// IsConnected is a non-blocking read of the transport state.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	adapter := m.adapter
	m.mu.RUnlock()
	return adapter != nil && adapter.IsConnected()
}

// ConnectionStatus reports the Manager's lifecycle state merged with the
// adapter's transport-level status.
func (m *Manager) ConnectionStatus() ConnectionStatus {
	m.mu.RLock()
	state := m.state
	adapter := m.adapter
	m.mu.RUnlock()

	if adapter == nil {
		return ConnectionStatus{State: state}
	}
	status := adapter.ConnectionStatus()
	status.State = state
	return status
}

// OnTick registers a global listener invoked with every inbound tick batch.
// It returns the listener's deregistration func.
func (m *Manager) OnTick(fn func(ticks []InstrumentTick)) func() {
	return m.tickListeners.Add(fn)
}

// OnOrderUpdate registers a listener for order updates and returns its
// deregistration func.
func (m *Manager) OnOrderUpdate(fn func(update OrderUpdate)) func() {
	return m.orderListeners.Add(fn)
}

// Reconnect tears down and rebuilds the adapter with the stored session
// config, then resubscribes every snapshotted instrument one at a time.
// It returns the tokens that failed to resubscribe; a partial failure does
// not abort the rest of the recovery.
func (m *Manager) Reconnect(ctx context.Context) ([]uint32, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.RLock()
	cfg := m.cfg
	snapshot := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		snapshot = append(snapshot, &cp)
	}
	m.mu.RUnlock()

	if cfg.Broker == "" {
		return nil, NewConnectionError("", ErrNotInitialized)
	}

	// Clear the tracked records so the resubscribe loop below issues real
	// wire subscribes instead of treating the snapshot as already live.
	// The latest-tick cache survives; stale entries are superseded by the
	// first fresh tick.
	m.mu.Lock()
	m.subs = make(map[uint32]*Subscription)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Reconnects.Inc()
	}
	m.logger.Info("Reconnecting feed", "broker", cfg.Broker, "subscriptions", len(snapshot))

	if err := m.initialize(ctx, cfg); err != nil {
		return nil, err
	}

	var failed []uint32
	for _, sub := range snapshot {
		if _, err := m.SubscribeInstrument(ctx, sub.Token, sub.Symbol, sub.Mode, sub.callback); err != nil {
			m.logger.Error("Failed to resubscribe instrument", "token", sub.Token, "symbol", sub.Symbol, "error", err)
			failed = append(failed, sub.Token)
		}
	}

	if m.metrics != nil {
		m.metrics.ActiveSubscriptions.Set(float64(len(snapshot) - len(failed)))
	}
	return failed, nil
}

// Cleanup destroys the adapter, clears all subscription and tick state and
// every registered listener, and resets to Uninitialized. It is safe to call
// from any state and more than once.
func (m *Manager) Cleanup() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.teardownAdapter()

	m.mu.Lock()
	m.subs = make(map[uint32]*Subscription)
	m.lastTicks = make(map[uint32]InstrumentTick)
	m.state = StateUninitialized
	m.cfg = SessionConfig{}
	m.mu.Unlock()

	m.tickListeners.Clear()
	m.orderListeners.Clear()

	if m.metrics != nil {
		m.metrics.ActiveSubscriptions.Set(0)
	}
	m.logger.Info("Live data manager cleaned up")
}

// teardownAdapter destroys the current adapter, if any. Listeners are
// removed first so no event fires into a Manager that is resetting.
func (m *Manager) teardownAdapter() {
	m.mu.Lock()
	adapter := m.adapter
	m.adapter = nil
	m.mu.Unlock()

	if adapter == nil {
		return
	}
	adapter.RemoveAllListeners()
	if err := adapter.Destroy(); err != nil {
		m.logger.Error("Error destroying adapter", "error", err)
	}
}

/// handleTicks is the internal fan-out path for every inbound tick batch:
// update the latest-tick cache, invoke the per-subscription callback for
// each token, then invoke every global listener with the full batch.
func (m *Manager) handleTicks(ticks []InstrumentTick) {
	if len(ticks) == 0 {
		return
	}

	type delivery struct {
		cb   TickCallback
		tick InstrumentTick
	}

	m.mu.Lock()
	deliveries := make([]delivery, 0, len(ticks))
	for _, tick := range ticks {
		m.lastTicks[tick.Token] = tick
		if sub, ok := m.subs[tick.Token]; ok && sub.callback != nil {
			deliveries = append(deliveries, delivery{cb: sub.callback, tick: tick})
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TickBatches.Inc()
		m.metrics.TicksTotal.Add(float64(len(ticks)))
	}

	// Callbacks run outside the lock; one faulty consumer must never
	// prevent delivery to the others.
	for _, d := range deliveries {
		m.safeInvoke("subscription callback", func() { d.cb(d.tick) })
	}
	for _, fn := range m.tickListeners.Snapshot() {
		fn := fn
		m.safeInvoke("tick listener", func() { fn(ticks) })
	}
}

// handleOrderUpdate forwards an order update to every registered listener.
func (m *Manager) handleOrderUpdate(update OrderUpdate) {
	if m.metrics != nil {
		m.metrics.OrderUpdates.Inc()
	}
	for _, fn := range m.orderListeners.Snapshot() {
		fn := fn
		m.safeInvoke("order update listener", func() { fn(update) })
	}
}

// safeInvoke runs fn and converts a panic into a logged error so listener
// faults stay isolated from the delivery path.
func (m *Manager) safeInvoke(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if m.metrics != nil {
				m.metrics.ListenerPanics.Inc()
			}
			m.logger.Error("Listener panic recovered", "listener", what, "panic", rec)
		}
	}()
	fn()
}

// Package kite implements the broker data adapter for the Kite streaming
// feed: it owns the wire transport and translates the provider's message
// formats into the canonical feed vocabulary.
package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tickerdesk/livefeed/feed"
)

// BrokerName is the name this adapter registers under.
const BrokerName = "kite"

// Adapter translates between the Kite wire protocol and the feed contract.
// It is created fresh for every Manager initialize/reconnect cycle and never
// outlives its transport connection.
type Adapter struct {
	logger    *slog.Logger
	transport *Transport

	mu        sync.RWMutex
	destroyed bool
	lastErr   error
	subs      map[uint32]feed.SubscriptionRequest

	tickListeners       *feed.Listeners[func([]feed.InstrumentTick)]
	connectListeners    *feed.Listeners[func()]
	disconnectListeners *feed.Listeners[func(error)]
	errorListeners      *feed.Listeners[func(error)]
	orderListeners      *feed.Listeners[func(feed.OrderUpdate)]
}

// New constructs a Kite adapter from the given configuration. It satisfies
// feed.AdapterConstructor.
func New(cfg feed.AdapterConfig) (feed.Adapter, error) {
	return newWithEndpoint(cfg, defaultEndpoint)
}

// newWithEndpoint exists so tests can point the transport at a local server.
func newWithEndpoint(cfg feed.AdapterConfig, endpoint string) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	transport, err := newTransport(transportConfig{
		Endpoint:             endpoint,
		APIKey:               cfg.APIKey,
		AccessToken:          cfg.AccessToken,
		AutoReconnect:        cfg.AutoReconnect,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		logger:              logger,
		transport:           transport,
		subs:                make(map[uint32]feed.SubscriptionRequest),
		tickListeners:       feed.NewListeners[func([]feed.InstrumentTick)](),
		connectListeners:    feed.NewListeners[func()](),
		disconnectListeners: feed.NewListeners[func(error)](),
		errorListeners:      feed.NewListeners[func(error)](),
		orderListeners:      feed.NewListeners[func(feed.OrderUpdate)](),
	}

	transport.onMessage = a.handleMessage
	transport.onConnect = func() {
		for _, fn := range a.connectListeners.Snapshot() {
			fn()
		}
	}
	transport.onDisconnect = func(err error) {
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		for _, fn := range a.disconnectListeners.Snapshot() {
			fn(err)
		}
	}
	transport.onError = func(err error) {
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		for _, fn := range a.errorListeners.Snapshot() {
			fn(err)
		}
	}
	return a, nil
}

// checkDestroyed rejects any call made after Destroy.
func (a *Adapter) checkDestroyed() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.destroyed {
		return feed.ErrAdapterDestroyed
	}
	return nil
}

// Connect opens the wire transport.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.checkDestroyed(); err != nil {
		return feed.NewConnectionError(BrokerName, err)
	}
	if err := a.transport.Connect(ctx); err != nil {
		return feed.NewConnectionError(BrokerName, err)
	}
	return nil
}

// Disconnect tears down the transport without clearing listeners.
func (a *Adapter) Disconnect() error {
	if err := a.checkDestroyed(); err != nil {
		return err
	}
	a.transport.Close()
	return nil
}

// IsConnected reports whether the transport connection is open.
func (a *Adapter) IsConnected() bool {
	if a.checkDestroyed() != nil {
		return false
	}
	return a.transport.IsOpen()
}

// ConnectionStatus returns the transport status plus the last seen error.
func (a *Adapter) ConnectionStatus() feed.ConnectionStatus {
	status := a.transport.Status()
	a.mu.RLock()
	status.Err = a.lastErr
	a.mu.RUnlock()
	return status
}

// Subscribe registers the requested instruments on the wire. Tokens that are
// already subscribed get their mode updated rather than erroring.
func (a *Adapter) Subscribe(ctx context.Context, reqs []feed.SubscriptionRequest) error {
	tokens := make([]uint32, 0, len(reqs))
	for _, req := range reqs {
		tokens = append(tokens, req.Token)
	}
	if err := a.checkDestroyed(); err != nil {
		return feed.NewSubscriptionError(tokens, err)
	}
	if !a.transport.IsOpen() {
		return feed.NewSubscriptionError(tokens, feed.ErrNotConnected)
	}

	if err := a.transport.Send(ctx, controlFrame{Action: actionSubscribe, Tokens: tokens}); err != nil {
		return feed.NewSubscriptionError(tokens, err)
	}

	// Modes travel in separate setMode frames, one per requested level.
	modeTokens := make(map[feed.Mode][]uint32)
	for _, req := range reqs {
		modeTokens[req.Mode] = append(modeTokens[req.Mode], req.Token)
	}
	for mode, toks := range modeTokens {
		if mode == "" {
			continue
		}
		if err := a.transport.Send(ctx, controlFrame{Action: actionSetMode, Tokens: toks, Mode: string(mode)}); err != nil {
			return feed.NewSubscriptionError(toks, err)
		}
	}

	a.mu.Lock()
	for _, req := range reqs {
		a.subs[req.Token] = req
	}
	a.mu.Unlock()

	a.logger.Debug("Wire subscribe sent", "tokens", tokens)
	return nil
}

// Unsubscribe removes instruments from the wire subscription. Unknown tokens
// are silently skipped; if nothing remains, no frame is sent.
func (a *Adapter) Unsubscribe(ctx context.Context, tokens []uint32) error {
	if err := a.checkDestroyed(); err != nil {
		return feed.NewSubscriptionError(tokens, err)
	}

	a.mu.RLock()
	known := make([]uint32, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := a.subs[token]; ok {
			known = append(known, token)
		}
	}
	a.mu.RUnlock()

	if len(known) == 0 {
		return nil
	}
	if !a.transport.IsOpen() {
		return feed.NewSubscriptionError(known, feed.ErrNotConnected)
	}

	if err := a.transport.Send(ctx, controlFrame{Action: actionUnsubscribe, Tokens: known}); err != nil {
		return feed.NewSubscriptionError(known, err)
	}

	a.mu.Lock()
	for _, token := range known {
		delete(a.subs, token)
	}
	a.mu.Unlock()

	a.logger.Debug("Wire unsubscribe sent", "tokens", known)
	return nil
}

// SetMode changes the detail level for already-subscribed tokens.
func (a *Adapter) SetMode(ctx context.Context, mode feed.Mode, tokens []uint32) error {
	if err := a.checkDestroyed(); err != nil {
		return feed.NewSubscriptionError(tokens, err)
	}
	if !mode.Valid() {
		return feed.NewSubscriptionError(tokens, fmt.Errorf("invalid mode %q", mode))
	}
	if !a.transport.IsOpen() {
		return feed.NewSubscriptionError(tokens, feed.ErrNotConnected)
	}

	if err := a.transport.Send(ctx, controlFrame{Action: actionSetMode, Tokens: tokens, Mode: string(mode)}); err != nil {
		return feed.NewSubscriptionError(tokens, err)
	}

	a.mu.Lock()
	for _, token := range tokens {
		if req, ok := a.subs[token]; ok {
			req.Mode = mode
			a.subs[token] = req
		}
	}
	a.mu.Unlock()
	return nil
}

// ActiveSubscriptions returns the adapter's own view of the wire state.
func (a *Adapter) ActiveSubscriptions() []feed.SubscriptionRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]feed.SubscriptionRequest, 0, len(a.subs))
	for _, req := range a.subs {
		out = append(out, req)
	}
	return out
}

// OnTick registers a tick batch listener.
func (a *Adapter) OnTick(fn func([]feed.InstrumentTick)) func() {
	return a.tickListeners.Add(fn)
}

// OnConnect registers a connect listener.
func (a *Adapter) OnConnect(fn func()) func() {
	return a.connectListeners.Add(fn)
}

// OnDisconnect registers a disconnect listener.
func (a *Adapter) OnDisconnect(fn func(error)) func() {
	return a.disconnectListeners.Add(fn)
}

// OnError registers an error listener.
func (a *Adapter) OnError(fn func(error)) func() {
	return a.errorListeners.Add(fn)
}

// OnOrderUpdate registers an order update listener.
func (a *Adapter) OnOrderUpdate(fn func(feed.OrderUpdate)) func() {
	return a.orderListeners.Add(fn)
}

// RemoveAllListeners clears every registered listener atomically.
func (a *Adapter) RemoveAllListeners() {
	a.tickListeners.Clear()
	a.connectListeners.Clear()
	a.disconnectListeners.Clear()
	a.errorListeners.Clear()
	a.orderListeners.Clear()
}

// Destroy disconnects and releases all resources. Further calls on the
// adapter fail with ErrAdapterDestroyed.
func (a *Adapter) Destroy() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.destroyed = true
	a.subs = make(map[uint32]feed.SubscriptionRequest)
	a.mu.Unlock()

	a.transport.Close()
	a.RemoveAllListeners()
	return nil
}

// handleMessage is the transport's inbound frame hook: decode the envelope
// and dispatch by type.
func (a *Adapter) handleMessage(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Warn("Dropping malformed feed frame", "error", err)
		return
	}

	switch frame.Type {
	case frameTicks:
		var wire []wireTick
		if err := json.Unmarshal(frame.Data, &wire); err != nil {
			a.logger.Warn("Dropping malformed tick payload", "error", err)
			return
		}
		ticks := make([]feed.InstrumentTick, 0, len(wire))
		for _, w := range wire {
			ticks = append(ticks, w.toInstrumentTick())
		}
		for _, fn := range a.tickListeners.Snapshot() {
			fn(ticks)
		}

	case frameOrderUpdate:
		update, err := parseOrderUpdate(frame.Data)
		if err != nil {
			a.logger.Warn("Dropping malformed order update", "error", err)
			return
		}
		for _, fn := range a.orderListeners.Snapshot() {
			fn(update)
		}

	case frameInfo:
		a.logger.Debug("Feed info", "message", frame.Message)

	case frameError:
		err := fmt.Errorf("feed error: %s", frame.Message)
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		for _, fn := range a.errorListeners.Snapshot() {
			fn(err)
		}

	default:
		a.logger.Debug("Ignoring unknown frame type", "type", frame.Type)
	}
}

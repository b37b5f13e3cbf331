// Package sim provides an in-process data provider that satisfies the full
// adapter contract without any network. It emits deterministic random-walk
// ticks for whatever is subscribed, which makes it useful for paper/demo
// mode and for exercising consumers against a live-looking feed.
package sim

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tickerdesk/livefeed/feed"
)

// BrokerName is the name this adapter registers under.
const BrokerName = "sim"

const (
	tickInterval = 500 * time.Millisecond
	basePrice    = 1000.0
)

// Adapter is a simulated streaming provider.
type Adapter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	destroyed bool
	connected bool
	startedAt time.Time
	subs      map[uint32]feed.SubscriptionRequest
	prices    map[uint32]float64
	rng       *rand.Rand
	cancel    context.CancelFunc

	tickListeners       *feed.Listeners[func([]feed.InstrumentTick)]
	connectListeners    *feed.Listeners[func()]
	disconnectListeners *feed.Listeners[func(error)]
	errorListeners      *feed.Listeners[func(error)]
	orderListeners      *feed.Listeners[func(feed.OrderUpdate)]
}

// New constructs a simulated adapter. It satisfies feed.AdapterConstructor.
// The config's credentials are accepted but unused.
func New(cfg feed.AdapterConfig) (feed.Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		logger:              logger,
		subs:                make(map[uint32]feed.SubscriptionRequest),
		prices:              make(map[uint32]float64),
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		tickListeners:       feed.NewListeners[func([]feed.InstrumentTick)](),
		connectListeners:    feed.NewListeners[func()](),
		disconnectListeners: feed.NewListeners[func(error)](),
		errorListeners:      feed.NewListeners[func(error)](),
		orderListeners:      feed.NewListeners[func(feed.OrderUpdate)](),
	}, nil
}

// Connect starts the tick generator loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return feed.NewConnectionError(BrokerName, feed.ErrAdapterDestroyed)
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.connected = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	go a.run(loopCtx)

	for _, fn := range a.connectListeners.Snapshot() {
		fn()
	}
	a.logger.Debug("Simulated feed connected")
	return nil
}

// Disconnect stops the tick generator.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return feed.ErrAdapterDestroyed
	}
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, fn := range a.disconnectListeners.Snapshot() {
		fn(nil)
	}
	return nil
}

// IsConnected reports whether the generator loop is running.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected && !a.destroyed
}

// ConnectionStatus returns the simulated connection health.
func (a *Adapter) ConnectionStatus() feed.ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	status := feed.ConnectionStatus{Connected: a.connected && !a.destroyed}
	if a.connected {
		status.ConnectionTime = a.startedAt
		status.LastHeartbeat = time.Now()
	}
	return status
}

// Subscribe adds instruments to the generated stream.
func (a *Adapter) Subscribe(ctx context.Context, reqs []feed.SubscriptionRequest) error {
	tokens := make([]uint32, 0, len(reqs))
	for _, req := range reqs {
		tokens = append(tokens, req.Token)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return feed.NewSubscriptionError(tokens, feed.ErrAdapterDestroyed)
	}
	if !a.connected {
		return feed.NewSubscriptionError(tokens, feed.ErrNotConnected)
	}
	for _, req := range reqs {
		a.subs[req.Token] = req
		if _, ok := a.prices[req.Token]; !ok {
			// Spread starting prices out so instruments are telling apart.
			a.prices[req.Token] = basePrice + float64(req.Token%9000)
		}
	}
	return nil
}

// Unsubscribe removes instruments from the generated stream. Unknown tokens
// are ignored.
func (a *Adapter) Unsubscribe(ctx context.Context, tokens []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return feed.NewSubscriptionError(tokens, feed.ErrAdapterDestroyed)
	}
	if !a.connected {
		return feed.NewSubscriptionError(tokens, feed.ErrNotConnected)
	}
	for _, token := range tokens {
		delete(a.subs, token)
	}
	return nil
}

// SetMode updates the detail level of subscribed tokens. The simulator
// always emits full ticks; the mode is recorded for ActiveSubscriptions.
func (a *Adapter) SetMode(ctx context.Context, mode feed.Mode, tokens []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return feed.NewSubscriptionError(tokens, feed.ErrAdapterDestroyed)
	}
	if !a.connected {
		return feed.NewSubscriptionError(tokens, feed.ErrNotConnected)
	}
	for _, token := range tokens {
		if req, ok := a.subs[token]; ok {
			req.Mode = mode
			a.subs[token] = req
		}
	}
	return nil
}

// ActiveSubscriptions returns the simulator's subscription view.
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

// Destroy stops the generator and rejects all further calls.
func (a *Adapter) Destroy() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.destroyed = true
	a.connected = false
	cancel := a.cancel
	a.cancel = nil
	a.subs = make(map[uint32]feed.SubscriptionRequest)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.RemoveAllListeners()
	return nil
}

// run generates one tick batch per interval for all subscribed instruments.
func (a *Adapter) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := a.nextBatch()
			if len(batch) == 0 {
				continue
			}
			for _, fn := range a.tickListeners.Snapshot() {
				fn(batch)
			}
		}
	}
}

// nextBatch advances every subscribed instrument's random walk one step.
func (a *Adapter) nextBatch() []feed.InstrumentTick {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	batch := make([]feed.InstrumentTick, 0, len(a.subs))
	for token, req := range a.subs {
		prev := a.prices[token]
		// Walk within ±0.25% per step.
		next := prev * (1 + (a.rng.Float64()-0.5)*0.005)
		a.prices[token] = next

		open := basePrice + float64(token%9000)
		change := next - open
		batch = append(batch, feed.InstrumentTick{
			Token:         token,
			Symbol:        req.Symbol,
			LastPrice:     next,
			Change:        change,
			ChangePercent: change / open * 100,
			Volume:        uint32(a.rng.Intn(100000)),
			AveragePrice:  (next + open) / 2,
			Bid:           next - 0.05,
			Ask:           next + 0.05,
			High:          max(open, next),
			Low:           min(open, next),
			Open:          open,
			Close:         open,
			Timestamp:     now,
		})
	}
	return batch
}

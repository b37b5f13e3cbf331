package feed

import (
	"context"
	"sync"
)

// watchBuffer is the per-watch tick buffer. A consumer that stops draining
// loses ticks rather than stalling the fan-out path.
const watchBuffer = 16

// Watch is a consumer-scoped handle on one instrument subscription: it
// couples subscribe, delivery and cleanup so a presentation component can
// hold a single object for its lifetime and Close it on teardown.
//
// Closing a Watch unsubscribes its token from the Manager. Token ownership
// follows the Manager's last-wins policy: a second Watch (or a direct
// SubscribeInstrument) on the same token takes the delivery slot over.
type Watch struct {
	manager *Manager
	token   uint32

	mu     sync.RWMutex
	closed bool
	ticks  chan InstrumentTick
}

// WatchInstrument subscribes token at the given mode and returns a Watch
// delivering its ticks on a buffered channel. If a cached tick exists it is
// delivered first, so the consumer renders without waiting for fresh data.
func (m *Manager) WatchInstrument(ctx context.Context, token uint32, symbol string, mode Mode) (*Watch, error) {
	w := &Watch{
		manager: m,
		token:   token,
		ticks:   make(chan InstrumentTick, watchBuffer),
	}

	if _, err := m.SubscribeInstrument(ctx, token, symbol, mode, w.deliver); err != nil {
		return nil, err
	}

	if tick, ok := m.LatestTick(token); ok {
		w.deliver(tick)
	}
	return w, nil
}

// deliver is the Watch's subscription callback. Sends never block: when the
// buffer is full the tick is dropped and the consumer catches up on the next
// one.
func (w *Watch) deliver(tick InstrumentTick) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ticks <- tick:
	default:
		if w.manager.metrics != nil {
			w.manager.metrics.StreamDrops.Inc()
		}
	}
}

// Ticks returns the delivery channel. It is closed by Close.
func (w *Watch) Ticks() <-chan InstrumentTick {
	return w.ticks
}

// Token returns the watched instrument token.
func (w *Watch) Token() uint32 {
	return w.token
}

// Latest reads the Manager's cached tick for the watched token.
func (w *Watch) Latest() (InstrumentTick, bool) {
	return w.manager.LatestTick(w.token)
}

// Close unsubscribes the token and closes the delivery channel. It is safe
// to call more than once; only the first call reaches the wire.
func (w *Watch) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.manager.UnsubscribeInstrument(ctx, w.token)
	close(w.ticks)
	return err
}

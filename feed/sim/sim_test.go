package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerdesk/livefeed/feed"
)

func newConnectedSim(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := New(feed.AdapterConfig{})
	require.NoError(t, err)
	a := adapter.(*Adapter)
	t.Cleanup(func() { _ = a.Destroy() })
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestSimConnectLifecycle(t *testing.T) {
	adapter, err := New(feed.AdapterConfig{})
	require.NoError(t, err)
	a := adapter.(*Adapter)

	assert.False(t, a.IsConnected())

	var connected bool
	a.OnConnect(func() { connected = true })

	require.NoError(t, a.Connect(context.Background()))
	assert.True(t, a.IsConnected())
	assert.True(t, connected)

	status := a.ConnectionStatus()
	assert.True(t, status.Connected)
	assert.False(t, status.ConnectionTime.IsZero())

	require.NoError(t, a.Connect(context.Background()), "second connect is a no-op")

	var disconnected bool
	a.OnDisconnect(func(error) { disconnected = true })
	require.NoError(t, a.Disconnect())
	assert.False(t, a.IsConnected())
	assert.True(t, disconnected)
}

func TestSimSubscriptionState(t *testing.T) {
	a := newConnectedSim(t)

	require.NoError(t, a.Subscribe(context.Background(), []feed.SubscriptionRequest{
		{Token: 1, Symbol: "A", Mode: feed.ModeLTP},
		{Token: 2, Symbol: "B", Mode: feed.ModeQuote},
	}))
	assert.Len(t, a.ActiveSubscriptions(), 2)

	require.NoError(t, a.SetMode(context.Background(), feed.ModeFull, []uint32{1}))
	for _, sub := range a.ActiveSubscriptions() {
		if sub.Token == 1 {
			assert.Equal(t, feed.ModeFull, sub.Mode)
		}
	}

	require.NoError(t, a.Unsubscribe(context.Background(), []uint32{1, 99}))
	subs := a.ActiveSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(2), subs[0].Token)
}

func TestSimRequiresConnection(t *testing.T) {
	adapter, err := New(feed.AdapterConfig{})
	require.NoError(t, err)
	a := adapter.(*Adapter)
	t.Cleanup(func() { _ = a.Destroy() })

	err = a.Subscribe(context.Background(), []feed.SubscriptionRequest{{Token: 1, Mode: feed.ModeQuote}})
	assert.True(t, errors.Is(err, feed.ErrNotConnected))
}

func TestSimEmitsTicks(t *testing.T) {
	a := newConnectedSim(t)

	require.NoError(t, a.Subscribe(context.Background(), []feed.SubscriptionRequest{
		{Token: 123, Symbol: "DEMO", Mode: feed.ModeFull},
	}))

	batches := make(chan []feed.InstrumentTick, 1)
	a.OnTick(func(ticks []feed.InstrumentTick) {
		select {
		case batches <- ticks:
		default:
		}
	})

	select {
	case ticks := <-batches:
		require.NotEmpty(t, ticks)
		tick := ticks[0]
		assert.Equal(t, uint32(123), tick.Token)
		assert.Equal(t, "DEMO", tick.Symbol)
		assert.Greater(t, tick.LastPrice, 0.0)
		assert.GreaterOrEqual(t, tick.High, tick.Low)
		assert.False(t, tick.Timestamp.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("simulator never emitted a tick")
	}
}

func TestSimDestroy(t *testing.T) {
	a := newConnectedSim(t)

	require.NoError(t, a.Subscribe(context.Background(), []feed.SubscriptionRequest{
		{Token: 1, Symbol: "A", Mode: feed.ModeQuote},
	}))

	require.NoError(t, a.Destroy())
	require.NoError(t, a.Destroy()) // idempotent

	assert.False(t, a.IsConnected())
	assert.Empty(t, a.ActiveSubscriptions())

	err := a.Connect(context.Background())
	assert.True(t, errors.Is(err, feed.ErrAdapterDestroyed))

	err = a.Subscribe(context.Background(), []feed.SubscriptionRequest{{Token: 2, Mode: feed.ModeQuote}})
	assert.True(t, errors.Is(err, feed.ErrAdapterDestroyed))
}

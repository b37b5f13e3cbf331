package kite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerdesk/livefeed/feed"
)

func newConnectedAdapter(t *testing.T, handler func(conn *websocket.Conn)) *Adapter {
	t.Helper()
	srv := newWSServer(t, handler)

	a, err := newWithEndpoint(feed.AdapterConfig{
		APIKey:      "key",
		AccessToken: "token",
		Logger:      quietLogger(),
	}, wsURL(srv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Destroy() })

	require.NoError(t, a.Connect(context.Background()))
	return a
}

// frameSink reads control frames off a server connection into a channel.
func frameSink(frames chan<- controlFrame) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var frame controlFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	}
}

func nextFrame(t *testing.T, frames <-chan controlFrame) controlFrame {
	t.Helper()
	select {
	case frame := <-frames:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return controlFrame{}
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(feed.AdapterConfig{AccessToken: "token"})
	assert.Error(t, err)

	_, err = New(feed.AdapterConfig{APIKey: "key"})
	assert.Error(t, err)
}

func TestAdapterSubscribeSendsFrames(t *testing.T) {
	frames := make(chan controlFrame, 8)
	a := newConnectedAdapter(t, frameSink(frames))

	err := a.Subscribe(context.Background(), []feed.SubscriptionRequest{
		{Token: 738561, Symbol: "RELIANCE", Mode: feed.ModeFull},
		{Token: 5633, Symbol: "ACC", Mode: feed.ModeFull},
	})
	require.NoError(t, err)

	sub := nextFrame(t, frames)
	assert.Equal(t, actionSubscribe, sub.Action)
	assert.ElementsMatch(t, []uint32{738561, 5633}, sub.Tokens)

	mode := nextFrame(t, frames)
	assert.Equal(t, actionSetMode, mode.Action)
	assert.Equal(t, "full", mode.Mode)
	assert.ElementsMatch(t, []uint32{738561, 5633}, mode.Tokens)

	assert.Len(t, a.ActiveSubscriptions(), 2)
}

func TestAdapterUnsubscribe(t *testing.T) {
	frames := make(chan controlFrame, 8)
	a := newConnectedAdapter(t, frameSink(frames))

	require.NoError(t, a.Subscribe(context.Background(), []feed.SubscriptionRequest{
		{Token: 1, Symbol: "A", Mode: feed.ModeQuote},
	}))
	nextFrame(t, frames) // subscribe
	nextFrame(t, frames) // setMode

	// Unknown tokens are filtered out; nothing to send means no frame.
	require.NoError(t, a.Unsubscribe(context.Background(), []uint32{42}))

	require.NoError(t, a.Unsubscribe(context.Background(), []uint32{1, 42}))
	frame := nextFrame(t, frames)
	assert.Equal(t, actionUnsubscribe, frame.Action)
	assert.Equal(t, []uint32{1}, frame.Tokens, "only known tokens reach the wire")
	assert.Empty(t, a.ActiveSubscriptions())
}

func TestAdapterSetMode(t *testing.T) {
	frames := make(chan controlFrame, 8)
	a := newConnectedAdapter(t, frameSink(frames))

	require.NoError(t, a.Subscribe(context.Background(), []feed.SubscriptionRequest{
		{Token: 1, Symbol: "A", Mode: feed.ModeLTP},
	}))
	nextFrame(t, frames)
	nextFrame(t, frames)

	require.NoError(t, a.SetMode(context.Background(), feed.ModeFull, []uint32{1}))
	frame := nextFrame(t, frames)
	assert.Equal(t, actionSetMode, frame.Action)
	assert.Equal(t, "full", frame.Mode)

	subs := a.ActiveSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, feed.ModeFull, subs[0].Mode)

	err := a.SetMode(context.Background(), feed.Mode("depth"), []uint32{1})
	assert.Error(t, err)
}

func TestAdapterSubscribeNotConnected(t *testing.T) {
	a, err := newWithEndpoint(feed.AdapterConfig{
		APIKey:      "key",
		AccessToken: "token",
		Logger:      quietLogger(),
	}, "ws://127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Destroy() })

	err = a.Subscribe(context.Background(), []feed.SubscriptionRequest{{Token: 1, Mode: feed.ModeQuote}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, feed.ErrNotConnected))

	var subErr *feed.SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, []uint32{1}, subErr.Tokens)
}

func TestAdapterTickDelivery(t *testing.T) {
	payload := `{"type":"ticks","data":[{
		"instrument_token": 738561,
		"tradingsymbol": "RELIANCE",
		"last_price": 2500.50,
		"net_change": 12.5,
		"change_percent": 0.5,
		"volume_traded": 144000,
		"average_traded_price": 2495.0,
		"buy_price": 2500.45,
		"sell_price": 2500.55,
		"ohlc": {"open": 2488.0, "high": 2510.0, "low": 2481.0, "close": 2488.0},
		"exchange_timestamp": 1700000000
	}]}`

	started := make(chan struct{})
	a := newConnectedAdapter(t, func(conn *websocket.Conn) {
		<-started
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	batches := make(chan []feed.InstrumentTick, 1)
	a.OnTick(func(ticks []feed.InstrumentTick) { batches <- ticks })
	close(started)

	select {
	case ticks := <-batches:
		require.Len(t, ticks, 1)
		tick := ticks[0]
		assert.Equal(t, uint32(738561), tick.Token)
		assert.Equal(t, "RELIANCE", tick.Symbol)
		assert.Equal(t, 2500.50, tick.LastPrice)
		assert.Equal(t, 12.5, tick.Change)
		assert.Equal(t, uint32(144000), tick.Volume)
		assert.Equal(t, 2500.45, tick.Bid)
		assert.Equal(t, 2500.55, tick.Ask)
		assert.Equal(t, 2510.0, tick.High)
		assert.Equal(t, 2488.0, tick.Open)
		assert.Equal(t, time.Unix(1700000000, 0), tick.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("tick batch never delivered")
	}
}

func TestAdapterOrderUpdateExtraFields(t *testing.T) {
	payload := `{"type":"order_update","data":{
		"order_id": "230801000000001",
		"status": "COMPLETE",
		"tradingsymbol": "RELIANCE",
		"quantity": 10,
		"price": 2500.50,
		"exchange": "NSE",
		"product": "CNC"
	}}`

	started := make(chan struct{})
	a := newConnectedAdapter(t, func(conn *websocket.Conn) {
		<-started
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	updates := make(chan feed.OrderUpdate, 1)
	a.OnOrderUpdate(func(update feed.OrderUpdate) { updates <- update })
	close(started)

	select {
	case update := <-updates:
		assert.Equal(t, "230801000000001", update.OrderID)
		assert.Equal(t, "COMPLETE", update.Status)
		assert.Equal(t, "RELIANCE", update.Symbol)
		assert.Equal(t, int64(10), update.Quantity)
		assert.Equal(t, 2500.50, update.Price)
		assert.Equal(t, "NSE", update.Extra["exchange"])
		assert.Equal(t, "CNC", update.Extra["product"])
	case <-time.After(time.Second):
		t.Fatal("order update never delivered")
	}
}

func TestAdapterErrorFrame(t *testing.T) {
	started := make(chan struct{})
	a := newConnectedAdapter(t, func(conn *websocket.Conn) {
		<-started
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid token"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	errs := make(chan error, 1)
	a.OnError(func(err error) { errs <- err })
	close(started)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "invalid token")
		assert.Error(t, a.ConnectionStatus().Err)
	case <-time.After(time.Second):
		t.Fatal("error frame never surfaced")
	}
}

func TestAdapterMalformedFramesIgnored(t *testing.T) {
	started := make(chan struct{})
	a := newConnectedAdapter(t, func(conn *websocket.Conn) {
		<-started
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticks","data":"not an array"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticks","data":[{"instrument_token":7}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	batches := make(chan []feed.InstrumentTick, 1)
	a.OnTick(func(ticks []feed.InstrumentTick) { batches <- ticks })
	close(started)

	// Only the final, well-formed frame gets through.
	select {
	case ticks := <-batches:
		require.Len(t, ticks, 1)
		assert.Equal(t, uint32(7), ticks[0].Token)
	case <-time.After(time.Second):
		t.Fatal("valid tick frame never delivered")
	}
}

func TestAdapterDestroy(t *testing.T) {
	frames := make(chan controlFrame, 8)
	a := newConnectedAdapter(t, frameSink(frames))

	require.NoError(t, a.Destroy())
	require.NoError(t, a.Destroy()) // idempotent

	assert.False(t, a.IsConnected())
	assert.Empty(t, a.ActiveSubscriptions())

	err := a.Connect(context.Background())
	assert.True(t, errors.Is(err, feed.ErrAdapterDestroyed))

	err = a.Subscribe(context.Background(), []feed.SubscriptionRequest{{Token: 1, Mode: feed.ModeQuote}})
	assert.True(t, errors.Is(err, feed.ErrAdapterDestroyed))

	err = a.Unsubscribe(context.Background(), []uint32{1})
	assert.True(t, errors.Is(err, feed.ErrAdapterDestroyed))

	err = a.SetMode(context.Background(), feed.ModeFull, []uint32{1})
	assert.True(t, errors.Is(err, feed.ErrAdapterDestroyed))
}

func TestAdapterListenerDeregistration(t *testing.T) {
	started := make(chan struct{})
	a := newConnectedAdapter(t, func(conn *websocket.Conn) {
		<-started
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticks","data":[{"instrument_token":1}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	kept := make(chan []feed.InstrumentTick, 1)
	removedHits := make(chan []feed.InstrumentTick, 1)

	remove := a.OnTick(func(ticks []feed.InstrumentTick) { removedHits <- ticks })
	a.OnTick(func(ticks []feed.InstrumentTick) { kept <- ticks })
	remove()
	close(started)

	select {
	case <-kept:
	case <-time.After(time.Second):
		t.Fatal("remaining listener never fired")
	}
	select {
	case <-removedHits:
		t.Fatal("deregistered listener fired")
	default:
	}
}

package kite

import (
	"encoding/json"
	"time"

	"github.com/tickerdesk/livefeed/feed"
)

// Outbound control frame shape:
// {action: "subscribe"|"unsubscribe"|"setMode", tokens: [..], mode?: "ltp"}.
type controlFrame struct {
	Action string   `json:"action"`
	Tokens []uint32 `json:"tokens"`
	Mode   string   `json:"mode,omitempty"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionSetMode     = "setMode"
)

// Inbound frame envelope:
// {type: "ticks"|"order_update"|"info"|"error", data, message?}.
type inboundFrame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

const (
	frameTicks       = "ticks"
	frameOrderUpdate = "order_update"
	frameInfo        = "info"
	frameError       = "error"
)

// wireTick is the provider's snake_case tick payload. Depending on the
// subscribed mode the broker sends partial payloads; absent fields simply
// decode to zero and the canonical tick carries them as such.
type wireTick struct {
	InstrumentToken    uint32  `json:"instrument_token"`
	TradingSymbol      string  `json:"tradingsymbol"`
	LastPrice          float64 `json:"last_price"`
	NetChange          float64 `json:"net_change"`
	ChangePercent      float64 `json:"change_percent"`
	VolumeTraded       uint32  `json:"volume_traded"`
	AverageTradedPrice float64 `json:"average_traded_price"`
	BuyPrice           float64 `json:"buy_price"`
	SellPrice          float64 `json:"sell_price"`
	OHLC               struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	ExchangeTimestamp int64 `json:"exchange_timestamp"`
}

// toInstrumentTick translates a wire tick into the canonical shape.
func (w wireTick) toInstrumentTick() feed.InstrumentTick {
	ts := time.Now()
	if w.ExchangeTimestamp > 0 {
		ts = time.Unix(w.ExchangeTimestamp, 0)
	}
	return feed.InstrumentTick{
		Token:         w.InstrumentToken,
		Symbol:        w.TradingSymbol,
		LastPrice:     w.LastPrice,
		Change:        w.NetChange,
		ChangePercent: w.ChangePercent,
		Volume:        w.VolumeTraded,
		AveragePrice:  w.AverageTradedPrice,
		Bid:           w.BuyPrice,
		Ask:           w.SellPrice,
		High:          w.OHLC.High,
		Low:           w.OHLC.Low,
		Open:          w.OHLC.Open,
		Close:         w.OHLC.Close,
		Timestamp:     ts,
	}
}

// Canonical keys lifted out of an order-update payload. Everything else the
// broker sends rides along in OrderUpdate.Extra.
var orderUpdateKnownKeys = map[string]struct{}{
	"order_id":        {},
	"status":          {},
	"tradingsymbol":   {},
	"quantity":        {},
	"price":           {},
	"order_timestamp": {},
}

// parseOrderUpdate translates a loosely-typed order-update payload into the
// canonical record, preserving unknown fields in the Extra side-table.
func parseOrderUpdate(data json.RawMessage) (feed.OrderUpdate, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return feed.OrderUpdate{}, err
	}

	update := feed.OrderUpdate{Timestamp: time.Now()}
	if v, ok := raw["order_id"].(string); ok {
		update.OrderID = v
	}
	if v, ok := raw["status"].(string); ok {
		update.Status = v
	}
	if v, ok := raw["tradingsymbol"].(string); ok {
		update.Symbol = v
	}
	if v, ok := raw["quantity"].(float64); ok {
		update.Quantity = int64(v)
	}
	if v, ok := raw["price"].(float64); ok {
		update.Price = v
	}
	if v, ok := raw["order_timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			update.Timestamp = ts
		}
	}

	for key, val := range raw {
		if _, known := orderUpdateKnownKeys[key]; known {
			continue
		}
		if update.Extra == nil {
			update.Extra = make(map[string]any)
		}
		update.Extra[key] = val
	}
	return update, nil
}

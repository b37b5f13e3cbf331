package feed

import "time"

// Mode selects the level of per-tick detail requested from the feed.
type Mode string

// Subscription modes, in increasing order of field detail.
const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Valid reports whether m is one of the known subscription modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeFull:
		return true
	}
	return false
}

// InstrumentTick is an immutable snapshot of one instrument's market state at
// one point in time. A new tick for the same token supersedes the previous
// one entirely; fields are never merged across ticks.
type InstrumentTick struct {
	Token         uint32    `json:"instrument_token"`
	Symbol        string    `json:"symbol"`
	LastPrice     float64   `json:"last_price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        uint32    `json:"volume"`
	AveragePrice  float64   `json:"average_price"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	Close         float64   `json:"close"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderUpdate is a pass-through event forwarded from the broker to registered
// listeners. Extra holds provider fields outside the canonical set; the core
// never interprets them.
type OrderUpdate struct {
	OrderID   string         `json:"order_id"`
	Status    string         `json:"status"`
	Symbol    string         `json:"symbol"`
	Quantity  int64          `json:"quantity"`
	Price     float64        `json:"price"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// State is the lifecycle state of a connection, as seen by the Manager.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateActive        State = "active"
	StateReconnecting  State = "reconnecting"
	StateFailed        State = "failed"
)

// ConnectionStatus describes the current health of the upstream connection.
// It is owned by the adapter, mirrored into the Manager and exposed to
// consumers so the presentation layer never has to track retries itself.
type ConnectionStatus struct {
	State          State     `json:"state"`
	Connected      bool      `json:"connected"`
	ConnectionTime time.Time `json:"connection_time,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	Err            error     `json:"-"`
}

// TickCallback receives ticks for a single subscribed instrument.
type TickCallback func(InstrumentTick)

// Subscription is the Manager's record of one subscribed instrument. There is
// at most one Subscription per token; a second subscribe for the same token
// updates the mode and callback in place.
type Subscription struct {
	ID           string    `json:"id"`
	Token        uint32    `json:"instrument_token"`
	Symbol       string    `json:"symbol"`
	Mode         Mode      `json:"mode"`
	SubscribedAt time.Time `json:"subscribed_at"`

	callback TickCallback
}

// SubscriptionRequest is the unit of a subscribe call at the adapter boundary.
type SubscriptionRequest struct {
	Token  uint32 `json:"instrument_token"`
	Symbol string `json:"symbol"`
	Mode   Mode   `json:"mode"`
}

// TokenSource resolves the current access token from the session/auth
// collaborator. Absence of a token is a hard failure for Initialize.
type TokenSource interface {
	StoredToken() (string, bool)
}

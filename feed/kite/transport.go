package kite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tickerdesk/livefeed/feed"
)

const (
	defaultEndpoint = "wss://ws.kite.trade"

	// Fixed reconnect policy: a bounded number of attempts with a flat
	// inter-attempt delay. Exhaustion is terminal.
	defaultMaxReconnectAttempts = 5
	reconnectDelay              = 5 * time.Second

	heartbeatInterval = 10 * time.Second
	dialTimeout       = 10 * time.Second

	// Brokers throttle control messages; outbound subscribe/unsubscribe
	// frames are paced to stay under the ceiling.
	controlFrameBurst = 10
)

// Transport owns exactly one live WebSocket connection to the streaming
// endpoint. It knows nothing about ticks or subscriptions: frames in, frames
// out, plus connect/close/error signaling to its single owner (the adapter).
type Transport struct {
	endpoint      string
	logger        *slog.Logger
	limiter       *rate.Limiter
	autoReconnect bool
	maxAttempts   int
	retryDelay    time.Duration

	// writeMu serializes data-frame writes; gorilla permits at most one
	// concurrent writer per connection.
	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	open          bool
	closed        bool
	connectedAt   time.Time
	lastHeartbeat time.Time
	stop          chan struct{}

	onMessage    func(data []byte)
	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)
}

// transportConfig carries the connection parameters from the adapter.
type transportConfig struct {
	Endpoint             string
	APIKey               string
	AccessToken          string
	AutoReconnect        bool
	MaxReconnectAttempts int
	Logger               *slog.Logger
}

// newTransport builds a transport for the given credentials. The connection
// is not opened until Connect.
func newTransport(cfg transportConfig) (*Transport, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid feed endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("api_key", cfg.APIKey)
	q.Set("access_token", cfg.AccessToken)
	u.RawQuery = q.Encode()

	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxReconnectAttempts
	}

	return &Transport{
		endpoint:      u.String(),
		logger:        cfg.Logger,
		limiter:       rate.NewLimiter(rate.Every(time.Second), controlFrameBurst),
		autoReconnect: cfg.AutoReconnect,
		maxAttempts:   maxAttempts,
		retryDelay:    reconnectDelay,
		stop:          make(chan struct{}),
	}, nil
}

// Connect dials the endpoint and starts the read and heartbeat loops.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return feed.ErrAdapterDestroyed
	}
	if t.open {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.connectedAt = time.Now()
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.heartbeatLoop()

	if t.onConnect != nil {
		t.onConnect()
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout

	conn, resp, err := dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed endpoint: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial feed endpoint: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.lastHeartbeat = time.Now()
		t.mu.Unlock()
		return nil
	})
	return conn, nil
}

// Send writes v as a JSON control frame. It fails fast if the connection is
// not open and paces outbound frames through the rate limiter.
func (t *Transport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	conn, open := t.conn, t.open
	t.mu.Unlock()

	if !open || conn == nil {
		return feed.ErrNotConnected
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

// IsOpen reports whether the connection is currently established.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Status returns a transport-level view of the connection health.
func (t *Transport) Status() feed.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return feed.ConnectionStatus{
		Connected:      t.open,
		ConnectionTime: t.connectedAt,
		LastHeartbeat:  t.lastHeartbeat,
	}
}

// Close tears the connection down for good. No reconnect is attempted after
// Close; it is safe to call more than once.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.open = false
	conn := t.conn
	t.conn = nil
	close(t.stop)
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
}

// readLoop pumps inbound frames to the owner until the connection dies, then
// hands off to the reconnect policy.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(err)
			return
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}

// handleReadError marks the connection down and runs the bounded reconnect
// policy: maxAttempts tries with a flat retryDelay between them. Exceeding
// the ceiling surfaces a terminal error and never retries again.
func (t *Transport) handleReadError(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.open = false
	t.conn = nil
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Warn("Feed connection lost", "error", cause)
	}
	if t.onDisconnect != nil {
		t.onDisconnect(cause)
	}

	if !t.autoReconnect {
		return
	}

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		select {
		case <-t.stop:
			return
		case <-time.After(t.retryDelay):
		}

		if t.logger != nil {
			t.logger.Info("Reconnecting feed transport", "attempt", attempt, "max", t.maxAttempts)
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.open = true
		t.connectedAt = time.Now()
		t.lastHeartbeat = time.Now()
		t.mu.Unlock()

		if t.onConnect != nil {
			t.onConnect()
		}
		go t.readLoop(conn)
		return
	}

	terminal := fmt.Errorf("giving up after %d attempts: %w", t.maxAttempts, feed.ErrReconnectExhausted)
	if t.onError != nil {
		t.onError(terminal)
	}
	if t.onDisconnect != nil {
		t.onDisconnect(terminal)
	}
}

// heartbeatLoop pings the server so stale connections are detected by the
// read deadline rather than discovered on the next subscribe.
func (t *Transport) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn, open := t.conn, t.open
			t.mu.Unlock()
			if !open || conn == nil {
				continue
			}
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				if t.logger != nil {
					t.logger.Warn("Heartbeat write failed", "error", err)
				}
			}
		}
	}
}

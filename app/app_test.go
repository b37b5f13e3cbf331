package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerdesk/livefeed/feed"
	"github.com/tickerdesk/livefeed/metrics"
	"github.com/tickerdesk/livefeed/ops"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp builds an App on the simulated broker with a live session.
func newTestApp(t *testing.T) *App {
	t.Helper()
	a := &App{
		Config: &Config{
			Broker:        "sim",
			AppHost:       "localhost",
			AppPort:       "0",
			AutoReconnect: true,
		},
		Version:   "test",
		startTime: time.Now(),
		logger:    testLogger(),
		metrics:   metrics.New(),
	}
	require.NoError(t, a.initializeServices())
	t.Cleanup(a.closeServices)
	t.Cleanup(func() { a.manager.Cleanup() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.manager.Initialize(ctx, feed.SessionConfig{Broker: "sim", AutoReconnect: true}))
	return a
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.IsSupported("kite"))
	assert.True(t, r.IsSupported("sim"))
	assert.False(t, r.IsSupported("acme"))
}

func TestLoadConfigDefaults(t *testing.T) {
	a := &App{Config: &Config{Broker: "sim"}, logger: testLogger()}
	require.NoError(t, a.LoadConfig())
	assert.Equal(t, DefaultHost, a.Config.AppHost)
	assert.Equal(t, DefaultPort, a.Config.AppPort)
}

func TestLoadConfigKiteValidation(t *testing.T) {
	a := &App{Config: &Config{Broker: "kite"}, logger: testLogger()}
	assert.Error(t, a.LoadConfig(), "kite needs an API key")

	a = &App{Config: &Config{Broker: "kite", APIKey: "key"}, logger: testLogger()}
	assert.Error(t, a.LoadConfig(), "kite needs a token source")

	a = &App{Config: &Config{Broker: "kite", APIKey: "key", AccessToken: "tok"}, logger: testLogger()}
	assert.NoError(t, a.LoadConfig())
}

func TestRootEndpoint(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "livefeed", body["service"])
	assert.Equal(t, "sim", body["broker"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/nothing-here", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, feed.StateActive, status.State)
	assert.True(t, status.Connected)
	assert.Equal(t, "sim", status.Broker)
	assert.Empty(t, status.Subscriptions)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubscribeAndUnsubscribeEndpoints(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	body := bytes.NewBufferString(`{"token": 123, "symbol": "DEMO", "mode": "full"}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/subscribe", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["subscription_id"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Subscriptions, 1)
	assert.Equal(t, uint32(123), status.Subscriptions[0].Token)
	assert.Equal(t, feed.ModeFull, status.Subscriptions[0].Mode)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/unsubscribe", bytes.NewBufferString(`{"token": 123}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, a.manager.ActiveSubscriptions())
}

func TestSubscribeEndpointValidation(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/subscribe", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/subscribe", strings.NewReader(`{"symbol":"X"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "token is required")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/subscribe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "livefeed_active_subscriptions")
}

func TestLogsEndpoint(t *testing.T) {
	a := newTestApp(t)

	buf := ops.NewLogBuffer(10)
	buf.Add(ops.LogEntry{Level: "INFO", Message: "one"})
	buf.Add(ops.LogEntry{Level: "WARN", Message: "two"})
	a.SetLogBuffer(buf)

	mux := a.setupMux()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/logs?n=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []ops.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "two", entries[0].Message)
}

func TestLogsEndpointWithoutBuffer(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestStreamEndpoint(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.setupMux())
	t.Cleanup(srv.Close)

	_, err := a.manager.SubscribeInstrument(context.Background(), 7, "DEMO", feed.ModeFull, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The simulator emits every 500ms; the first tick event must arrive
	// well before the context deadline.
	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: ticks" {
			sawEvent = true
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			sawData = true
			var ticks []feed.InstrumentTick
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ticks))
			require.NotEmpty(t, ticks)
			assert.Equal(t, uint32(7), ticks[0].Token)
			break
		}
	}
	assert.True(t, sawData, "no tick event observed on the stream")
}

func TestReconnectEndpoint(t *testing.T) {
	a := newTestApp(t)
	mux := a.setupMux()

	_, err := a.manager.SubscribeInstrument(context.Background(), 7, "DEMO", feed.ModeQuote, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/reconnect", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status       string   `json:"status"`
		FailedTokens []uint32 `json:"failed_tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, resp.FailedTokens)
	assert.Len(t, a.manager.ActiveSubscriptions(), 1)
}

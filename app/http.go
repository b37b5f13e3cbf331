package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tickerdesk/livefeed/feed"
)

// streamBufferSize is the per-client tick buffer. A consumer that cannot
// keep up loses batches (counted in StreamDrops) rather than stalling the
// delivery path.
const streamBufferSize = 100

// setupMux registers the HTTP surface.
func (app *App) setupMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", app.handleRoot)
	mux.HandleFunc("/status", app.handleStatus)
	mux.HandleFunc("/ticks", app.handleTicks)
	mux.HandleFunc("/subscribe", app.handleSubscribe)
	mux.HandleFunc("/unsubscribe", app.handleUnsubscribe)
	mux.HandleFunc("/reconnect", app.handleReconnect)
	mux.HandleFunc("/stream", app.handleStream)
	mux.HandleFunc("/logs", app.handleLogs)
	mux.Handle("/metrics", app.metrics.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (app *App) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "livefeed",
		"version": app.Version,
		"broker":  app.Config.Broker,
	})
}

// statusResponse is the /status payload.
type statusResponse struct {
	State          feed.State            `json:"state"`
	Connected      bool                  `json:"connected"`
	ConnectionTime *time.Time            `json:"connection_time,omitempty"`
	LastHeartbeat  *time.Time            `json:"last_heartbeat,omitempty"`
	Error          string                `json:"error,omitempty"`
	Broker         string                `json:"broker"`
	Version        string                `json:"version"`
	UptimeSeconds  int64                 `json:"uptime_seconds"`
	Subscriptions  []subscriptionSummary `json:"subscriptions"`
}

type subscriptionSummary struct {
	ID           string    `json:"id"`
	Token        uint32    `json:"token"`
	Symbol       string    `json:"symbol"`
	Mode         feed.Mode `json:"mode"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

func (app *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := app.manager.ConnectionStatus()
	resp := statusResponse{
		State:         status.State,
		Connected:     status.Connected,
		Broker:        app.Config.Broker,
		Version:       app.Version,
		UptimeSeconds: int64(time.Since(app.startTime).Seconds()),
		Subscriptions: []subscriptionSummary{},
	}
	if !status.ConnectionTime.IsZero() {
		resp.ConnectionTime = &status.ConnectionTime
	}
	if !status.LastHeartbeat.IsZero() {
		resp.LastHeartbeat = &status.LastHeartbeat
	}
	if status.Err != nil {
		resp.Error = status.Err.Error()
	}
	for _, sub := range app.manager.ActiveSubscriptions() {
		resp.Subscriptions = append(resp.Subscriptions, subscriptionSummary{
			ID:           sub.ID,
			Token:        sub.Token,
			Symbol:       sub.Symbol,
			Mode:         sub.Mode,
			SubscribedAt: sub.SubscribedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (app *App) handleTicks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, app.manager.AllLatestTicks())
}

type subscribeRequest struct {
	Token  uint32    `json:"token"`
	Symbol string    `json:"symbol"`
	Mode   feed.Mode `json:"mode"`
}

func (app *App) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == 0 {
		jsonError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.Mode == "" {
		req.Mode = feed.ModeQuote
	}

	id, err := app.manager.SubscribeInstrument(r.Context(), req.Token, req.Symbol, req.Mode, nil)
	if err != nil {
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscription_id": id})
}

func (app *App) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Token uint32 `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := app.manager.UnsubscribeInstrument(r.Context(), req.Token); err != nil {
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *App) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	failed, err := app.manager.Reconnect(r.Context())
	if err != nil {
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"failed_tokens": failed,
	})
}

// handleStream serves an SSE stream of live tick batches.
func (app *App) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	batches := make(chan []feed.InstrumentTick, streamBufferSize)
	remove := app.manager.OnTick(func(ticks []feed.InstrumentTick) {
		select {
		case batches <- ticks:
		default:
			app.metrics.StreamDrops.Inc()
		}
	})
	defer remove()

	// Initial snapshot so a fresh consumer renders without waiting for the
	// next batch.
	if snapshot := app.manager.AllLatestTicks(); len(snapshot) > 0 {
		ticks := make([]feed.InstrumentTick, 0, len(snapshot))
		for _, tick := range snapshot {
			ticks = append(ticks, tick)
		}
		app.writeStreamEvent(w, ticks)
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ticks := <-batches:
			app.writeStreamEvent(w, ticks)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (app *App) writeStreamEvent(w http.ResponseWriter, ticks []feed.InstrumentTick) {
	data, err := json.Marshal(ticks)
	if err != nil {
		app.logger.Error("Failed to marshal tick batch", "error", err)
		return
	}
	fmt.Fprintf(w, "event: ticks\ndata: %s\n\n", data)
}

func (app *App) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if app.logBuffer == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	n := 100
	if s := r.URL.Query().Get("n"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, app.logBuffer.Recent(n))
}

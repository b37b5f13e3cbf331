// Package app wires the live feed service together: environment-driven
// configuration, the broker registry, the auth collaborator, the Manager
// lifecycle and the HTTP status/stream server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tickerdesk/livefeed/auth"
	"github.com/tickerdesk/livefeed/feed"
	"github.com/tickerdesk/livefeed/feed/kite"
	"github.com/tickerdesk/livefeed/feed/sim"
	"github.com/tickerdesk/livefeed/metrics"
	"github.com/tickerdesk/livefeed/ops"
)

// Config holds the application configuration, loaded from the environment.
type Config struct {
	Broker      string
	APIKey      string
	AccessToken string

	// Token sources beyond the env var (both opt-in).
	TokenFilePath string
	TokenDBPath   string

	AppHost string
	AppPort string

	AutoReconnect        bool
	MaxReconnectAttempts int
	Debug                bool
}

const (
	DefaultBroker = kite.BrokerName
	DefaultPort   = "8080"
	DefaultHost   = "localhost"
)

// App is the composed service: config, feed manager, auth store and the
// HTTP surface.
type App struct {
	Config    *Config
	Version   string
	startTime time.Time

	logger    *slog.Logger
	logBuffer *ops.LogBuffer
	metrics   *metrics.Metrics

	registry  *feed.Registry
	store     *auth.Store
	tokenDB   *auth.DB
	tokenFile *auth.TokenFile
	manager   *feed.Manager
}

// DefaultRegistry returns a registry with every built-in broker adapter
// registered. It lives here rather than in feed because the feed package
// cannot import its own adapters without a cycle.
func DefaultRegistry() *feed.Registry {
	registry := feed.NewRegistry()
	registry.Register(kite.BrokerName, kite.New)
	registry.Register(sim.BrokerName, sim.New)
	return registry
}

// New creates an application instance with configuration read from the
// environment.
func New(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			Broker:      os.Getenv("FEED_BROKER"),
			APIKey:      os.Getenv("KITE_API_KEY"),
			AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),

			TokenFilePath: os.Getenv("TOKEN_FILE"),
			TokenDBPath:   os.Getenv("TOKEN_DB_PATH"),

			AppHost: os.Getenv("APP_HOST"),
			AppPort: os.Getenv("APP_PORT"),

			AutoReconnect:        os.Getenv("FEED_AUTO_RECONNECT") != "false",
			MaxReconnectAttempts: envInt("FEED_MAX_RECONNECT_ATTEMPTS", 0),
			Debug:                os.Getenv("FEED_DEBUG") == "true",
		},
		Version:   "v0.0.0", // injected at build time
		startTime: time.Now(),
		logger:    logger,
		metrics:   metrics.New(),
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// SetVersion sets the reported service version.
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log ring consulted by the /logs endpoint.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig applies defaults and validates the configuration.
func (app *App) LoadConfig() error {
	if app.Config.Broker == "" {
		app.Config.Broker = DefaultBroker
	}
	if app.Config.AppPort == "" {
		app.Config.AppPort = DefaultPort
	}
	if app.Config.AppHost == "" {
		app.Config.AppHost = DefaultHost
	}

	if app.Config.Broker == kite.BrokerName {
		if app.Config.APIKey == "" {
			return fmt.Errorf("KITE_API_KEY is required for broker %q", app.Config.Broker)
		}
		if app.Config.AccessToken == "" && app.Config.TokenFilePath == "" && app.Config.TokenDBPath == "" {
			return fmt.Errorf("one of KITE_ACCESS_TOKEN, TOKEN_FILE or TOKEN_DB_PATH is required for broker %q", app.Config.Broker)
		}
	}

	return nil
}

// RunServer starts the feed session and serves the HTTP surface until
// SIGINT/SIGTERM.
func (app *App) RunServer() error {
	if err := app.initializeServices(); err != nil {
		return err
	}
	defer app.closeServices()

	// First connect. A failure here is not fatal: the token file may be
	// rewritten after login, and /reconnect retries with the fresh token.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := app.manager.Initialize(ctx, feed.SessionConfig{
		Broker:               app.Config.Broker,
		APIKey:               app.Config.APIKey,
		Debug:                app.Config.Debug,
		AutoReconnect:        app.Config.AutoReconnect,
		MaxReconnectAttempts: app.Config.MaxReconnectAttempts,
	})
	cancel()
	if err != nil {
		app.logger.Error("Initial feed connect failed; will retry on /reconnect", "broker", app.Config.Broker, "error", err)
	}

	addr := app.Config.AppHost + ":" + app.Config.AppPort
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.setupMux(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	app.setupGracefulShutdown(srv)

	app.logger.Info("Serving feed status and stream", "url", "http://"+addr, "broker", app.Config.Broker)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// initializeServices builds the registry, auth store and Manager.
func (app *App) initializeServices() error {
	app.registry = DefaultRegistry()

	app.store = auth.NewStore()
	app.store.SetLogger(app.logger)

	if app.Config.TokenDBPath != "" {
		db, err := auth.OpenDB(app.Config.TokenDBPath)
		if err != nil {
			return fmt.Errorf("open token db: %w", err)
		}
		app.tokenDB = db
		app.store.SetDB(db)
		if err := app.store.LoadFromDB(); err != nil {
			return fmt.Errorf("load tokens: %w", err)
		}
		app.logger.Info("Token persistence enabled", "path", app.Config.TokenDBPath)
	}

	if app.Config.AccessToken != "" {
		app.store.Set(app.Config.Broker, auth.Entry{AccessToken: app.Config.AccessToken})
	}

	if app.Config.TokenFilePath != "" {
		tf, err := auth.WatchTokenFile(app.Config.TokenFilePath, app.Config.Broker, app.store, app.logger)
		if err != nil {
			return fmt.Errorf("watch token file: %w", err)
		}
		app.tokenFile = tf
		app.logger.Info("Token file watch enabled", "path", app.Config.TokenFilePath)
	}

	// The simulator needs no credentials; give it a fixed token so the
	// Manager's token resolution passes.
	if app.Config.Broker == sim.BrokerName {
		if _, ok := app.store.Get(sim.BrokerName); !ok {
			app.store.Set(sim.BrokerName, auth.Entry{AccessToken: "simulated"})
		}
	}

	manager, err := feed.NewManager(feed.Config{
		Registry: app.registry,
		Tokens:   app.store.ForBroker(app.Config.Broker),
		Logger:   app.logger,
		Metrics:  app.metrics,
	})
	if err != nil {
		return fmt.Errorf("create feed manager: %w", err)
	}
	app.manager = manager
	return nil
}

// closeServices releases the opt-in collaborators.
func (app *App) closeServices() {
	if app.tokenFile != nil {
		if err := app.tokenFile.Close(); err != nil {
			app.logger.Error("Error closing token file watcher", "error", err)
		}
	}
	if app.tokenDB != nil {
		if err := app.tokenDB.Close(); err != nil {
			app.logger.Error("Error closing token db", "error", err)
		}
	}
}

// setupGracefulShutdown stops the HTTP server first, then tears down the
// feed session.
func (app *App) setupGracefulShutdown(srv *http.Server) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	go func() {
		defer stop()
		<-ctx.Done()
		app.logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}

		app.manager.Cleanup()
		app.logger.Info("Shutdown complete")
	}()
}

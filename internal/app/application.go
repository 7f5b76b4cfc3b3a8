// Package app wires the coordinator's components and owns their start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"minbar/internal/api"
	"minbar/internal/auth"
	"minbar/internal/config"
	"minbar/internal/database"
	"minbar/internal/hub"
	"minbar/internal/notify"
	"minbar/internal/router"
	"minbar/internal/session"
	"minbar/internal/websocket"
	dbconfig "minbar/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	dbManager  *database.Manager
	verifier   *auth.JWTVerifier
	registry   *websocket.Registry
	store      *session.Store
	lifecycle  *session.Lifecycle
	bridge     *notify.Bridge
	relay      *router.Relay
	messageHub *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized.
// Component initialization follows strict dependency order:
// Database → Auth → Registry → Session → Notify → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Database manager (foundation layer); migrations run inside NewManager
	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbManager, err := database.NewManager(dbConfig, logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2: Identity verifier
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize identity verifier: %w", err)
	}

	// STEP 3: Connection registry
	registry := websocket.NewRegistry(verifier, logger.With("component", "registry"))

	// STEP 4: Session store, lifecycle and reconnection
	store := session.NewStore(registry, sessionConfig(cfg), logger.With("component", "session"))

	bridge := notify.NewBridge(dbManager, notify.NewLogNotifier(logger.With("component", "notifier")),
		notify.Config{BatchSize: cfg.Notify.BatchSize, Timeout: cfg.Notify.Timeout},
		logger.With("component", "notify"))

	lifecycle := session.NewLifecycle(store, bridge, dbManager, logger.With("component", "lifecycle"))
	reconnector := session.NewReconnector(store)

	// STEP 5: Relay, fan-out and inbound limiter
	relay := router.NewRelay(store, logger.With("component", "relay"))
	fanout := router.NewFanout(store, logger.With("component", "fanout"))
	limiter := router.NewRateLimiter(cfg.WebSocket.RatePerSecond, cfg.WebSocket.RateBurst)

	// STEP 6: Message hub
	messageHub := hub.NewHub(hub.Deps{
		Connections: registry,
		Store:       store,
		Lifecycle:   lifecycle,
		Reconnector: reconnector,
		Relay:       relay,
		Fanout:      fanout,
		Limiter:     limiter,
	}, logger.With("component", "hub"))

	// STEP 7: WebSocket handler
	wsHandler := websocket.NewHandler(registry, messageHub, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		BufferSize:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		OverflowPolicy:  websocket.OverflowPolicy(cfg.WebSocket.OverflowPolicy),
	}, logger.With("component", "websocket"))

	// STEP 8: API server mounts /ws alongside the read-only routes
	apiServer := api.NewServer(api.Deps{
		Sessions:    store,
		Connections: registry,
		Archive:     dbManager,
		Database:    dbManager,
		WebSocket:   wsHandler,
	}, logger.With("component", "api"))

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		verifier:   verifier,
		registry:   registry,
		store:      store,
		lifecycle:  lifecycle,
		bridge:     bridge,
		relay:      relay,
		messageHub: messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		StartupTimeout:              cfg.Session.StartupTimeout,
		EndedGrace:                  cfg.Session.EndedGrace,
		ReconnectGrace:              cfg.Session.ReconnectGrace,
		IdleTimeout:                 cfg.Session.IdleTimeout,
		SweepInterval:               cfg.Session.SweepInterval,
		BacklogSize:                 cfg.Session.BacklogSize,
		SingleTranslatorPerLanguage: cfg.Session.SingleTranslatorPerLanguage,
		StrictInvariants:            cfg.StrictInvariants,
	}
}

// Start begins application execution.
// Hub starts first so sweeps run before the first connection, then the HTTP
// listener is bound synchronously so bind errors surface here.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return errors.New("application already started")
	}

	// STEP 1: Start message hub (background sweeps)
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Bind and serve
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln
	app.serveErr = make(chan error, 1)

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.logger.Info("minbar started", "addr", ln.Addr().String())
	return nil
}

// Done is closed, possibly after delivering an error, when the HTTP server
// stops serving. Nil before Start.
func (app *Application) Done() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop gracefully shuts down the application.
// Reverse dependency order: HTTP → Hub → Connections → Notifications → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down minbar")
	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	// STEP 2: Stop sweeps; waits for pending archive writes
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("message hub shutdown: %w", err))
	}

	// STEP 3: Hijacked WebSocket connections are not closed by Shutdown
	app.registry.CloseAll()

	// STEP 4: In-flight follower notifications
	waitOrTimeout(ctx, app.bridge.Wait)

	// STEP 5: Close database connections
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("minbar shutdown complete")
	return errors.Join(errs...)
}

// waitOrTimeout runs wait but gives up when ctx ends first.
func waitOrTimeout(ctx context.Context, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Addr returns the bound listener address, or the configured one before Start.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP surface, including /ws.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Relay exposes the transcription relay so embedders can attach a
// server-side TranscriptionSource.
func (app *Application) Relay() *router.Relay {
	return app.relay
}

// Lifecycle exposes session lifecycle control, used by the sweeper tests.
func (app *Application) Lifecycle() *session.Lifecycle {
	return app.lifecycle
}

// Verifier exposes the token issuer.
func (app *Application) Verifier() *auth.JWTVerifier {
	return app.verifier
}

// Database exposes the follower directory and archive.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// ShutdownTimeout bounds Stop when called from a signal handler.
const ShutdownTimeout = 15 * time.Second

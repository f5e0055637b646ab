package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a-essam23/vibemap/internal/metrics"
	"github.com/a-essam23/vibemap/internal/resilience"
	"github.com/a-essam23/vibemap/internal/router"
	"github.com/a-essam23/vibemap/internal/server/middleware"
	"github.com/a-essam23/vibemap/pkg/config"
	"github.com/a-essam23/vibemap/pkg/ratelimit"
	"github.com/a-essam23/vibemap/pkg/state"
	"github.com/a-essam23/vibemap/pkg/state/statemanager"
	"github.com/a-essam23/vibemap/pkg/transport"
)

const defaultShutdownGrace = 10 * time.Second

var (
	errShutdown = errors.New("graceful shutdown")
	errCycled   = errors.New("connection cycled by new connection")
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	stores       *Stores
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config
	accept       *websocket.AcceptOptions

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, stores *Stores) (*App, error) {
	locRule, err := cfg.LocationRule()
	if err != nil {
		return nil, fmt.Errorf("location rate limit: %w", err)
	}
	vibeRule, err := cfg.VibeRule()
	if err != nil {
		return nil, fmt.Errorf("vibe rate limit: %w", err)
	}

	breaker := resilience.Settings{
		Timeout:     cfg.Store.Timeout,
		MaxFailures: cfg.Store.Breaker.MaxFailures,
		OpenTimeout: cfg.Store.Breaker.OpenTimeout,
	}
	stateManager := statemanager.NewInMemoryManager(logger)
	eventRouter := router.New(
		logger,
		stateManager,
		resilience.NewPresence(stores.Presence, breaker, logger),
		resilience.NewVibeLog(stores.VibeLog, breaker, logger),
		ratelimit.New(locRule),
		ratelimit.New(vibeRule),
		router.Options{
			PresenceKey:         cfg.Presence.Key,
			RadiusMeters:        cfg.Presence.RadiusMeters,
			NotifyRateLimited:   cfg.Router.NotifyRateLimited,
			NotifyMissingTarget: cfg.Router.NotifyMissingTarget,
		},
	)

	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		stateManager: stateManager,
		eventRouter:  eventRouter,
		stores:       stores,
		config:       cfg,
		accept:       acceptOptions(cfg.Server.AllowedOrigins),
		ctx:          rootCtx,
	}

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

// Handler exposes the HTTP routes, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: !allowsAnyOrigin(a.config.Server.AllowedOrigins),
		MaxAge:           300,
	}))

	r.Get("/health", a.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(ip string) {
		oldest, found := a.stateManager.FindOldestIPConnection(ip)
		if found {
			a.logger.Info("Cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errCycled)
		}
	}

	var upgradeLimit, auth middleware.Middleware
	if n := a.config.Server.UpgradeRate; n > 0 {
		upgradeLimit = httprate.LimitByIP(n, time.Minute)
	}
	if secret := a.config.Server.Auth.JWTSecret; secret != "" {
		auth = middleware.NewAuthMiddleware(a.logger, secret)
	}

	r.Get("/ws", middleware.Chain(http.HandlerFunc(a.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		upgradeLimit,
		middleware.NewConnectionLimiter(
			a.logger,
			a.stateManager.ConnectionCountByIP,
			connCycler,
			a.config.Server.ConnectionLimit,
		),
		auth,
	).ServeHTTP)

	return r
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))
	if reqMeta.Subject != "" {
		connLogger = connLogger.With(slog.String("subject", reqMeta.Subject))
	}

	wsConn, err := websocket.Accept(w, r, a.accept)
	if err != nil {
		connLogger.Warn("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	// register new connection
	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	metrics.ActiveConnections.Inc()
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.eventRouter.HandleDisconnect(id)
		metrics.ActiveConnections.Dec()
	})

	if err := a.stateManager.MarkConnected(stateConn.ID); err != nil {
		connLogger.Error("Failed to activate connection", slog.Any("error", err))
		conn.Close(err)
		a.eventRouter.HandleDisconnect(stateConn.ID)
		metrics.ActiveConnections.Dec()
		return
	}

	connLogger.Info("Connection fully established", slog.String("connID", stateConn.ID.String()))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence, bounded by server.shutdownGrace.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	grace := a.config.Server.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// close all active WebSocket connections. Close returns without waiting
	// for the peer, so the drain below is the only wait and shutdownCtx bounds it.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errShutdown)
	}

	// wait for all connection goroutines to finish their cleanup.
	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("connections still open after %s: %w", grace, shutdownCtx.Err()))
	}

	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stores: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

// acceptOptions turns the configured origins into the host patterns the
// WebSocket handshake checks the Origin header against.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	if allowsAnyOrigin(origins) {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return &websocket.AcceptOptions{OriginPatterns: hosts}
}

// ABOUTME: Gateway orchestrator that wires the store, executor, registry and servers
// ABOUTME: Manages the HTTP/WebSocket server, optional gRPC health server and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/invoker"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/tasks"
)

const (
	// shutdownTimeout bounds graceful shutdown once Run's context ends.
	shutdownTimeout = 10 * time.Second

	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 100_000

	tailscaleGRPCPort = ":50051"
	tailscaleHTTPPort = ":80"
)

// agentCLI is what the gateway needs from the agent invoker.
type agentCLI interface {
	invoker.Agent
	Version(ctx context.Context) (string, error)
	CheckHealth(ctx context.Context) bool
}

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	agent    agentCLI
	executor *tasks.Executor
	registry *registry.Registry
	watcher  *delivery.Watcher
	verifier *auth.JWTVerifier
	dedupe   *dedupe.Cache
	upgrader websocket.Upgrader

	httpServer   *http.Server
	grpcServer   *grpc.Server   // nil unless server.grpc_addr is set
	healthServer *health.Server // nil with grpcServer
	tsnetServer  *tsnet.Server

	// live WebSocket connections, for the connection cap and shutdown
	connMu  sync.Mutex
	conns   map[*Conn]struct{}
	closing bool

	bgCancel    context.CancelFunc
	bgWG        sync.WaitGroup
	watcherDone <-chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error

	logger *slog.Logger
}

// initStore opens the SQLite store named by config or COVEN_RELAY_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with a SQLite store and the configured agent CLI.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	agent := invoker.New(invoker.Options{
		Path:           cfg.Agent.CLIPath,
		ExtraArgs:      cfg.Agent.ExtraArgs,
		WorkDir:        cfg.Agent.WorkDir,
		DefaultTimeout: cfg.Agent.Timeout,
		Logger:         logger,
	})

	gw, err := newGateway(cfg, s, agent, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires the components around an existing store and agent.
// Unset config fields are filled with their defaults.
func newGateway(cfg *config.Config, s store.Store, agent agentCLI, logger *slog.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	notifier := tasks.NewNotifier(logger.With("component", "notifier"))
	executor, err := tasks.NewExecutor(tasks.Options{
		Agent:             agent,
		Store:             s,
		Notifier:          notifier,
		Workers:           cfg.Tasks.Workers,
		QueueSize:         cfg.Tasks.QueueSize,
		MaxRetries:        cfg.Tasks.MaxRetries,
		MaxTasksPerWorker: cfg.Tasks.MaxTasksPerWorker,
		RetryDelay:        cfg.Tasks.RetryDelay,
		TimeLimit:         cfg.Tasks.TimeLimit,
		DefaultTimeout:    cfg.Agent.Timeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	reg := registry.New(logger)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		agent:    agent,
		executor: executor,
		registry: reg,
		watcher: delivery.New(delivery.Options{
			Notifier:       notifier,
			Router:         reg,
			Mode:           cfg.Delivery.Mode,
			RenderMarkdown: cfg.Delivery.RenderMarkdown,
			Logger:         logger,
		}),
		verifier: verifier,
		dedupe:   dedupe.New(dedupeTTL, dedupeMaxSize),
		upgrader: makeUpgrader(cfg.Server.CORSOrigins),
		conns:    make(map[*Conn]struct{}),
		logger:   logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.healthServer = newGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(g.config.Server.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// The WebSocket authenticates after the upgrade so failures get a close code.
	r.Get("/ws/session/{session_id}", g.handleSessionWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier, g.logger))
		r.Post("/sessions/{session_id}/chat", g.handlePostChat)
		r.Get("/sessions/{session_id}/tasks", g.handleListSessionTasks)
		r.Get("/tasks/{task_id}", g.handleGetTask)
		r.Get("/stats", g.handleStats)
	})

	return r
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// start launches the delivery watcher, the executor and the agent health
// watcher. They outlive ctx and stop in Shutdown.
func (g *Gateway) start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.bgCancel = cancel

	// Subscribe before the executor re-queues recovered tasks.
	watcherDone := g.watcher.Start(bgCtx)
	g.watcherDone = watcherDone

	if err := g.executor.Start(ctx); err != nil {
		cancel()
		<-watcherDone
		return fmt.Errorf("starting executor: %w", err)
	}

	g.bgWG.Add(2)
	go func() {
		defer g.bgWG.Done()
		<-watcherDone
	}()
	go func() {
		defer g.bgWG.Done()
		g.watchAgentHealth(bgCtx, g.config.Agent.HealthInterval)
	}()
	return nil
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when the
// gRPC health server is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting relay",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
			"grpc_addr", g.config.Server.GRPCAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the relay and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if err := g.start(ctx); err != nil {
		_ = httpListener.Close()
		if grpcListener != nil {
			_ = grpcListener.Close()
		}
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and listens on the tailnet.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, drains the executor, closes live
// connections and releases resources. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Drain while connections are still up so final results reach them:
	// the notifier hands its queued events to the watcher, the watcher
	// queues them on connections, and connections flush before closing.
	errs = appendCloseError(errs, "executor stop", g.executor.Stop(ctx))
	g.executor.Notifier().Close()
	if g.watcherDone != nil {
		select {
		case <-g.watcherDone:
		case <-ctx.Done():
			g.logger.Warn("shutdown deadline reached before all results were delivered")
		}
	}
	if g.bgCancel != nil {
		g.bgCancel()
	}
	g.bgWG.Wait()

	g.closeConnections(ctx, websocket.CloseGoingAway, closeReasonShutdown)

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

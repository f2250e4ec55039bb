// Package app wires all relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP + websocket listener until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithFunctions,
// WithArchive, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/archive"
	"github.com/relaykit/relay/internal/bridge"
	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/functions"
	"github.com/relaykit/relay/internal/observe"
)

// serverShutdownGrace bounds how long Run waits for in-flight plain HTTP
// requests after the context is cancelled. Websocket legs are hijacked and
// torn down by Shutdown instead.
const serverShutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes and serves the relay endpoints.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	registry   *functions.Registry
	mcpConns   *functions.MCPConnections
	archive    *archive.Archive
	summariser archive.Summariser
	manager    *bridge.Manager
	handler    http.Handler

	bridgeOpts []bridge.Option

	// closers are called in order during Shutdown, after the bridge manager
	// has drained its sessions.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFunctions injects a function registry instead of building the default
// one (builtin weather tool plus mounted MCP servers).
func WithFunctions(r *functions.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithArchive injects a call archive instead of connecting one from config.
func WithArchive(ar *archive.Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithSummariser injects a post-call summariser instead of creating one from
// config.
func WithSummariser(s archive.Summariser) Option {
	return func(a *App) { a.summariser = s }
}

// WithMetrics injects a metrics set instead of using the process-global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBridgeOptions appends options passed through to the bridge manager.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(a *App) { a.bridgeOpts = append(a.bridgeOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the function registry
// with its MCP mounts, the optional call archive and summariser, the bridge
// manager, and the HTTP routes. Use Option functions to inject test doubles
// for any subsystem.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Function registry ─────────────────────────────────────────────
	if err := a.initFunctions(ctx); err != nil {
		return nil, fmt.Errorf("app: init functions: %w", err)
	}

	// ── 2. Call archive ──────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Post-call summariser ──────────────────────────────────────────
	if err := a.initSummariser(); err != nil {
		return nil, fmt.Errorf("app: init summariser: %w", err)
	}

	// ── 4. Bridge manager ────────────────────────────────────────────────
	a.initBridge()

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initFunctions builds the default registry and mounts configured MCP servers.
func (a *App) initFunctions(ctx context.Context) error {
	if a.registry == nil {
		a.registry = functions.NewRegistry()
		if err := a.registry.Add(functions.Weather(nil, "")); err != nil {
			return fmt.Errorf("register weather tool: %w", err)
		}
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	conns, err := functions.MountMCP(ctx, a.registry, a.cfg.MCP.Servers, a.logger)
	if err != nil {
		return fmt.Errorf("mount mcp servers: %w", err)
	}
	a.mcpConns = conns
	a.closers = append(a.closers, conns.Close)
	return nil
}

// initArchive connects the PostgreSQL call archive when a DSN is configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil || a.cfg.Archive.DSN == "" {
		return nil
	}

	opts := archive.Options{
		EmbeddingDimensions: a.cfg.Archive.EmbeddingDimensions,
		Logger:              a.logger,
	}
	if a.cfg.Archive.EmbeddingsModel != "" {
		embedder, err := archive.NewOpenAIEmbedder(a.cfg.Realtime.APIKey, a.cfg.Archive.EmbeddingsModel, "")
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
		opts.Embedder = embedder
		if opts.EmbeddingDimensions == 0 {
			opts.EmbeddingDimensions = embedder.Dimensions()
		}
	}

	ar, err := archive.New(ctx, a.cfg.Archive.DSN, opts)
	if err != nil {
		return err
	}
	a.archive = ar
	a.closers = append(a.closers, func() error {
		ar.Close()
		return nil
	})
	a.logger.Info("call archive enabled", "semantic_index", opts.Embedder != nil)
	return nil
}

// initSummariser creates the post-call summariser when a model is configured.
func (a *App) initSummariser() error {
	if a.summariser != nil || a.cfg.Summary.Model == "" {
		return nil
	}

	apiKey := a.cfg.Summary.APIKey
	if apiKey == "" && a.cfg.Summary.Provider == "openai" {
		apiKey = a.cfg.Realtime.APIKey
	}
	s, err := archive.NewSummariser(a.cfg.Summary.Provider, a.cfg.Summary.Model, apiKey, a.cfg.Summary.BaseURL)
	if err != nil {
		return err
	}
	a.summariser = s
	a.logger.Info("post-call summariser enabled",
		"provider", a.cfg.Summary.Provider, "model", a.cfg.Summary.Model)
	return nil
}

// initBridge builds the session template and the bridge manager. Registry
// tool schemas are merged ahead of config-provided tools so the model sees
// everything it may call.
func (a *App) initBridge() {
	template := a.cfg.SessionTemplate()
	if schemas := a.registry.Schemas(); len(schemas) > 0 {
		merged := make([]any, 0, len(schemas)+len(template.Tools))
		for _, s := range schemas {
			merged = append(merged, s)
		}
		template.Tools = append(merged, template.Tools...)
	}

	a.manager = bridge.NewManager(bridge.Config{
		APIKey:     a.cfg.Realtime.APIKey,
		BaseURL:    a.cfg.Realtime.BaseURL,
		Model:      a.cfg.Realtime.Model,
		BetaHeader: a.cfg.Realtime.BetaHeader,
		Template:   template,
		Functions:  a.registry,
		Archive:    a.archive,
		Summariser: a.summariser,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}, a.bridgeOpts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler. Exposed for tests that mount
// the app on httptest servers.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Manager returns the bridge manager.
func (a *App) Manager() *bridge.Manager {
	return a.manager
}

// Run serves the relay listener and blocks until ctx is cancelled or the
// server fails. On cancellation the plain HTTP side is drained; call Shutdown
// afterwards to close websocket legs and the remaining subsystems.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	a.logger.Info("relay listening",
		"port", a.cfg.Server.Port,
		"model", a.cfg.Realtime.Model,
		"tools", a.registry.Len(),
		"archive", a.archive != nil,
		"summariser", a.summariser != nil,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", "err", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every websocket leg, waits for sessions to flush their
// archive records, then tears down the remaining subsystems in order. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warn("bridge shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// Package app wires the parley dialogue server together.
//
// The App struct owns the full lifecycle: New opens the store, builds the
// server and its health checks, Run serves HTTP until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithProviders). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/catalog"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/store/memstore"
	"github.com/MrWong99/parley/internal/store/postgres"
	"github.com/MrWong99/parley/internal/store/sqlite"
)

// App owns the dialogue server and everything it depends on.
type App struct {
	cfg       *config.Config
	registry  *config.Registry
	providers *Providers
	metrics   *observe.Metrics

	store   store.Store
	checks  []health.Checker
	ledger  *billing.Ledger
	server  *server.Server
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProviders injects providers instead of building them from the
// registry.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers = p }
}

// WithRegistry replaces the builtin provider registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from cfg. cfg should already carry its defaults.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if a.providers == nil {
		if a.registry == nil {
			a.registry = config.NewRegistry()
			RegisterBuiltins(a.registry)
		}
		ps, err := BuildProviders(cfg, a.registry, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("app: build providers: %w", err)
		}
		a.providers = ps
	}

	// ── 2. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		s, checks, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = s
		a.checks = checks
		a.closers = append(a.closers, s.Close)
	}

	// ── 3. Billing ───────────────────────────────────────────────────────
	a.ledger = billing.NewLedger(cfg.Billing)

	// ── 4. Dialogue server ───────────────────────────────────────────────
	srv, err := server.New(server.Deps{
		LLM:     a.providers.LLM,
		STT:     a.providers.STT,
		TTS:     a.providers.TTS,
		Store:   a.store,
		Meter:   a.ledger,
		Metrics: a.metrics,
		Checks:  a.checks,
	}, server.Config{
		OwnerID:           cfg.Server.OwnerID,
		Token:             cfg.Server.Token,
		RequestsPerMinute: max(cfg.Server.RequestsPerMinute, 0),
		Dialogue:          cfg.Dialogue,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build server: %w", err)
	}
	a.server = srv

	// ── 5. Catalog lint ──────────────────────────────────────────────────
	if path := cfg.Catalog.ScenariosPath; path != "" {
		if err := checkCatalog(path); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.httpSrv = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}
	return a, nil
}

// OpenStore opens the configured backend and returns the readiness checks
// that probe it.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []health.Checker, error) {
	switch cfg.Backend {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, []health.Checker{health.PingCheck("sqlite", s)}, nil
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, []health.Checker{health.PingCheck("postgres", s)}, nil
	case config.StoreMemory, "":
		return memstore.New(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func checkCatalog(path string) error {
	c, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}
	slog.Info("scenario catalog loaded", "path", path, "scenarios", c.Len())
	return nil
}

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Ledger returns the cost ledger the server charges.
func (a *App) Ledger() *billing.Ledger { return a.ledger }

// Apply hot-reloads the settings that changed between old and new.
func (a *App) Apply(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.RatesChanged {
		a.ledger.SetRates(new.Billing)
		slog.Info("billing rates reloaded")
	}
	if d.DialogueChanged {
		a.server.SetDialogue(new.Dialogue)
		slog.Info("dialogue settings reloaded")
	}
	if d.CatalogChanged && new.Catalog.ScenariosPath != "" {
		if err := checkCatalog(new.Catalog.ScenariosPath); err != nil {
			slog.Warn("scenario catalog rejected", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change needs a restart", "sections", d.RestartRequired)
	}
}

// Run serves HTTP on ln, or on the configured address when ln is nil, until
// ctx is done or the server fails.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	// In-flight requests outlive ctx so that Shutdown can drain them.
	base := context.WithoutCancel(ctx)
	a.httpSrv.BaseContext = func(net.Listener) context.Context { return base }
	slog.Info("dialogue server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server and then runs the closers. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete", "spend", a.ledger.Total())
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

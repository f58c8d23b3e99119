package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/exchange"
	"github.com/florianilch/kirodesk/internal/interceptor"
	"github.com/florianilch/kirodesk/internal/metrics"
	"github.com/florianilch/kirodesk/internal/provider"
	"github.com/florianilch/kirodesk/internal/rpc"
	"github.com/florianilch/kirodesk/internal/session"
	"github.com/florianilch/kirodesk/internal/tokenstore"
)

// Option configures an App.
type Option func(*options)

type options struct {
	systemBrowser browser.Launcher
	store         tokenstore.TokenStore
}

// WithSystemBrowser replaces the launcher used for system browser logins.
func WithSystemBrowser(l browser.Launcher) Option {
	return func(o *options) {
		o.systemBrowser = l
	}
}

// WithTokenStore replaces the configured token store.
func WithTokenStore(store tokenstore.TokenStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// App orchestrates the lifecycle of the RPC server and the login core.
type App struct {
	cfg         *Config
	store       tokenstore.TokenStore
	bus         *events.Bus
	metrics     *metrics.Metrics
	manager     *session.Manager
	interceptor *interceptor.Interceptor
	server      *rpc.Server
}

// New creates a new App instance. No network I/O is performed.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	configs, err := cfg.ProviderConfigs()
	if err != nil {
		return nil, err
	}
	registry, err := provider.NewRegistry(configs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}

	store := o.store
	if store == nil {
		if store, err = cfg.Storage.NewTokenStore(); err != nil {
			return nil, fmt.Errorf("failed to create token store: %w", err)
		}
	}

	mt := metrics.New()
	bus := events.NewBus(events.WithDropHook(func(ev events.Event) {
		mt.EventDropped(string(ev.Name))
	}))

	sessionOpts := []session.Option{
		session.WithTimeout(cfg.Session.Timeout),
		session.WithSweepInterval(cfg.Session.SweepInterval),
		session.WithMetrics(mt),
	}
	if o.systemBrowser != nil {
		sessionOpts = append(sessionOpts, session.WithSystemBrowser(o.systemBrowser))
	}

	client := exchange.New(exchange.WithTimeout(cfg.Exchange.Timeout))
	manager, err := session.New(registry, client, store, bus, sessionOpts...)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	icpt := interceptor.New(manager, registry, bus, interceptor.WithAutoComplete(cfg.Callback.AutoComplete))

	server, err := rpc.New(manager, icpt, bus,
		rpc.WithMetricsHandler(mt.Handler()),
		rpc.WithOriginPatterns(cfg.Server.OriginPatterns...),
	)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("failed to create rpc server: %w", err)
	}

	return &App{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		metrics:     mt,
		manager:     manager,
		interceptor: icpt,
		server:      server,
	}, nil
}

// Manager returns the session manager for in-process use by the CLI.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Events returns the event bus.
func (a *App) Events() *events.Bus {
	return a.bus
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Address()
	shutdownFuncs := a.coreShutdownFuncs()

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting rpc server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		_ = a.runShutdown(context.Background(), shutdownFuncs)
		return fmt.Errorf("rpc server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.interceptor.Wait, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "rpc server runtime error", "error", err)
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		return a.manager.Run(gCtx)
	})

	slog.InfoContext(gCtx, "application ready", "address", address, "redirect_url", a.cfg.Callback.RedirectURL)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}
	if err := a.runShutdown(shutdownCtx, shutdownFuncs); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Close releases the login core without a running server. Used by one-shot commands.
func (a *App) Close(ctx context.Context) error {
	return a.runShutdown(ctx, a.coreShutdownFuncs())
}

// coreShutdownFuncs returns the cleanup of the components every App owns, in start order.
func (a *App) coreShutdownFuncs() []func(context.Context) error {
	return []func(context.Context) error{
		func(context.Context) error {
			if c, ok := a.store.(io.Closer); ok {
				return c.Close()
			}
			return nil
		},
		func(context.Context) error {
			a.bus.Close()
			return nil
		},
		a.manager.Shutdown,
	}
}

// runShutdown calls funcs in reverse order and joins their errors.
func (a *App) runShutdown(ctx context.Context, funcs []func(context.Context) error) error {
	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](ctx); err != nil {
			slog.ErrorContext(ctx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeStore(store tokenstore.TokenStore) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}

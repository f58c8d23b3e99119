package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/interceptor"
	"github.com/florianilch/kirodesk/internal/session"
)

// Core is the session manager surface exposed to the UI.
type Core interface {
	Initiate(ctx context.Context, provider string) (string, error)
	LoginWithWindow(ctx context.Context, provider string) (session.WindowLogin, error)
	Complete(ctx context.Context, callbackURL string) (session.LoginResult, error)
	Refresh(ctx context.Context, accountID string) (credential.Token, error)
	CloseWindow(ctx context.Context, label string)
	LegacyLogin(ctx context.Context, provider string) error
	Sessions() []session.Info
	Accounts(ctx context.Context) ([]session.AccountSummary, error)
	Logout(ctx context.Context, accountID string) error
}

// Navigator receives navigation reports from embedded windows and serves the loopback
// callback.
type Navigator interface {
	http.Handler
	Navigate(ctx context.Context, label, url string) interceptor.Verdict
	WindowClosed(ctx context.Context, label string)
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe() *events.Subscription
}

// Compile-time checks of the production implementations.
var (
	_ Core       = (*session.Manager)(nil)
	_ Navigator  = (*interceptor.Interceptor)(nil)
	_ Subscriber = (*events.Bus)(nil)
)

// DefaultHeartbeatInterval is the keep-alive period of event streams.
const DefaultHeartbeatInterval = 15 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host matches one of
// the patterns. Same-host origins are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// WithHeartbeatInterval sets the keep-alive period of event streams.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithLogger sets the logger used for access logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server exposes the UI commands, window reports and event stream over local HTTP.
type Server struct {
	core Core
	nav  Navigator
	subs Subscriber

	metrics        http.Handler
	originPatterns []string
	heartbeat      time.Duration
	logger         *slog.Logger

	mux    *http.ServeMux
	server *http.Server

	// streams ends open event streams on shutdown; http.Server.Shutdown does not wait
	// for hijacked or long-lived connections to finish on their own.
	streams     context.Context
	stopStreams context.CancelFunc
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server.
func New(core Core, nav Navigator, subs Subscriber, opts ...Option) (*Server, error) {
	if core == nil || nav == nil || subs == nil {
		return nil, errors.New("rpc: core, navigator and subscriber are required")
	}

	s := &Server{
		core:      core,
		nav:       nav,
		subs:      subs,
		heartbeat: DefaultHeartbeatInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())

	api := []func(http.Handler) http.Handler{Logging(s.logger), Recovery, LoopbackHost, NoStore}
	// Streams hijack or hold the connection; they log their own lifecycle.
	stream := []func(http.Handler) http.Handler{Recovery, LoopbackHost}

	mux := http.NewServeMux()
	mux.Handle("POST /invoke/{command}", applyMiddlewares(http.HandlerFunc(s.handleInvoke), api...))
	mux.Handle("POST /window/navigation", applyMiddlewares(http.HandlerFunc(s.handleNavigation), api...))
	mux.Handle("POST /window/closed", applyMiddlewares(http.HandlerFunc(s.handleWindowClosed), api...))
	mux.Handle("GET /events", applyMiddlewares(http.HandlerFunc(s.handleEventStream), stream...))
	mux.Handle("GET /events/ws", applyMiddlewares(http.HandlerFunc(s.handleEventSocket), stream...))
	mux.Handle("GET /accounts", applyMiddlewares(http.HandlerFunc(s.handleAccounts), api...))
	mux.Handle("DELETE /accounts/{id}", applyMiddlewares(http.HandlerFunc(s.handleLogout), api...))
	mux.Handle("GET /sessions", applyMiddlewares(http.HandlerFunc(s.handleSessions), api...))

	// The provider redirects the system browser here, so the Host is whatever the
	// redirect URI names.
	mux.Handle("GET /oauth/callback", applyMiddlewares(s.nav, Logging(s.logger), Recovery))

	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
	}))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second, // Inbound: Read entire client request
		WriteTimeout:      2 * time.Minute,  // Inbound: bounds a login completion; event streams clear it
		IdleTimeout:       90 * time.Second, // Inbound: Keep-alive wait for next request from client
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown ends open event streams and performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()

	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/identity"
	"github.com/florianilch/kirodesk/internal/metrics"
	"github.com/florianilch/kirodesk/internal/provider"
	"github.com/florianilch/kirodesk/internal/tokenstore"
)

// Defaults for session lifetime and sweeping.
const (
	DefaultTimeout       = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Exchanger performs token endpoint calls. Implemented by *exchange.Client.
type Exchanger interface {
	Exchange(ctx context.Context, p provider.Config, code, verifier string) (credential.Token, error)
	Refresh(ctx context.Context, p provider.Config, refreshToken string) (credential.Token, error)
	DeviceAuth(ctx context.Context, p provider.Config) (*oauth2.DeviceAuthResponse, error)
	DeviceToken(ctx context.Context, p provider.Config, da *oauth2.DeviceAuthResponse) (credential.Token, error)
}

// IdentityResolver derives the account identity from a token. Implemented by
// *identity.Resolver.
type IdentityResolver interface {
	Resolve(ctx context.Context, tok credential.Token) (identity.Identity, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets how long a session may wait for its callback.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSweepInterval sets how often Run evicts expired sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithSystemBrowser replaces the launcher used for system-browser and device sessions.
func WithSystemBrowser(l browser.Launcher) Option {
	return func(m *Manager) {
		m.system = l
	}
}

// WithEmbeddedBrowser replaces the launcher used for embedded-window sessions.
func WithEmbeddedBrowser(l browser.Launcher) Option {
	return func(m *Manager) {
		m.embedded = l
	}
}

// WithIdentityResolver replaces the identity resolver.
func WithIdentityResolver(r IdentityResolver) Option {
	return func(m *Manager) {
		m.identities = r
	}
}

// WithMetrics records session and exchange metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the session table and the account operations built on it. Safe for
// concurrent use.
type Manager struct {
	providers  *provider.Registry
	exchanger  Exchanger
	store      tokenstore.TokenStore
	events     events.Publisher
	identities IdentityResolver
	system     browser.Launcher
	embedded   browser.Launcher
	metrics    *metrics.Metrics
	now        func() time.Time

	timeout       time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	byState map[string]*authSession
	byLabel map[string]*authSession
	closed  bool

	// storeMu serializes read-modify-write cycles on stored accounts. Never held across
	// network calls.
	storeMu  sync.Mutex
	refreshG singleflight.Group

	// background device logins
	wg sync.WaitGroup
}

// New creates a Manager.
func New(providers *provider.Registry, exchanger Exchanger, store tokenstore.TokenStore, pub events.Publisher, opts ...Option) (*Manager, error) {
	if providers == nil {
		return nil, errors.New("missing provider registry")
	}
	if exchanger == nil {
		return nil, errors.New("missing token exchanger")
	}
	if store == nil {
		return nil, errors.New("missing token store")
	}
	if pub == nil {
		return nil, errors.New("missing event publisher")
	}

	m := &Manager{
		providers:     providers,
		exchanger:     exchanger,
		store:         store,
		events:        pub,
		now:           time.Now,
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		byState:       make(map[string]*authSession),
		byLabel:       make(map[string]*authSession),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.system == nil {
		m.system = browser.NewSystem()
	}
	if m.embedded == nil {
		m.embedded = browser.NewEmbedded(pub)
	}
	if m.identities == nil {
		m.identities = identity.NewResolver(context.Background(), providers.All())
	}
	return m, nil
}

// Initiate starts a login in the system browser and returns the session's state.
func (m *Manager) Initiate(ctx context.Context, rawProvider string) (string, error) {
	p, err := m.providers.Lookup(rawProvider)
	if err != nil {
		return "", err
	}
	s, err := m.start(ctx, p, browser.ModeSystem)
	if err != nil {
		return "", err
	}
	return s.state, nil
}

// LoginWithWindow starts a login in a new embedded window.
func (m *Manager) LoginWithWindow(ctx context.Context, rawProvider string) (WindowLogin, error) {
	p, err := m.providers.Lookup(rawProvider)
	if err != nil {
		return WindowLogin{}, err
	}
	s, err := m.start(ctx, p, browser.ModeEmbedded)
	if err != nil {
		return WindowLogin{}, err
	}
	return WindowLogin{WindowLabel: s.label, State: s.state}, nil
}

// start registers a pending session, opens its window and marks it awaiting-callback.
func (m *Manager) start(ctx context.Context, p provider.Config, mode browser.Mode) (*authSession, error) {
	s, err := newAuthSession(p, mode, m.now(), m.timeout)
	if err != nil {
		return nil, err
	}
	if err := m.insert(s); err != nil {
		return nil, err
	}

	authURL := p.AuthCodeURL(s.state, s.verifier)
	if err := m.launcher(mode).Open(ctx, s.label, authURL); err != nil {
		m.finish(ctx, s, StatusFailed, err)
		return nil, fmt.Errorf("opening %s: %w", mode, err)
	}

	if !m.advance(s, StatusPending, StatusAwaitingCallback) {
		return nil, fmt.Errorf("%w: session ended before the window opened", ErrUnknownOrExpiredState)
	}

	slog.InfoContext(ctx, "login session started",
		"session_id", s.id, "provider", p.ID, "mode", mode, "window_label", s.label)
	return s, nil
}

// Complete exchanges the code of a callback URL and stores the resulting account.
func (m *Manager) Complete(ctx context.Context, callbackURL string) (LoginResult, error) {
	cb, err := ParseCallback(callbackURL)
	if err != nil {
		return LoginResult{}, err
	}

	s, err := m.claim(ctx, cb.State)
	if err != nil {
		return LoginResult{}, err
	}

	// The code is spent once sent, so a caller going away must not abort the exchange.
	ctx = context.WithoutCancel(ctx)

	started := time.Now()
	tok, err := m.exchanger.Exchange(ctx, s.provider, cb.Code, s.verifier)
	m.metrics.ObserveExchange(string(s.provider.ID), "exchange", resultLabel(err), time.Since(started))
	if err != nil {
		slog.WarnContext(ctx, "code exchange failed", "session_id", s.id, "provider", s.provider.ID, "error", err)
		m.finish(ctx, s, StatusFailed, err)
		return LoginResult{}, err
	}

	return m.resolve(ctx, s, tok)
}

// resolve stores the account for a completing session, ends it and emits login-success.
func (m *Manager) resolve(ctx context.Context, s *authSession, tok credential.Token) (LoginResult, error) {
	acct, err := m.storeAccount(ctx, tok)
	if err != nil {
		slog.ErrorContext(ctx, "storing account failed", "session_id", s.id, "provider", s.provider.ID, "error", err)
		m.finish(ctx, s, StatusFailed, err)
		return LoginResult{}, err
	}

	m.finish(ctx, s, StatusResolved, nil)

	result := LoginResult{
		AccountID:   acct.ID,
		Provider:    acct.Provider,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		ExpiresAt:   acct.Token.Expiry,
		Message:     "Login successful",
	}
	m.publish(ctx, events.LoginSuccess, s.id, result)

	slog.InfoContext(ctx, "login completed", "session_id", s.id, "provider", acct.Provider, "account_id", acct.ID)
	return result, nil
}

// CloseWindow closes the window and cancels its session unless the session is already
// completing or its callback was captured. Never fails.
func (m *Manager) CloseWindow(ctx context.Context, label string) {
	if label == "" {
		return
	}

	m.mu.Lock()
	s := m.byLabel[label]
	cancelled := s != nil && s.active() && !s.callbackSeen
	if cancelled {
		m.removeLocked(s, StatusCancelled, nil)
	}
	m.mu.Unlock()

	if cancelled {
		slog.InfoContext(ctx, "login cancelled", "session_id", s.id, "window_label", label)
	}
	if err := m.embedded.Close(ctx, label); err != nil {
		slog.DebugContext(ctx, "closing window failed", "window_label", label, "error", err)
	}
}

// WindowClosed records that the user closed a window. The session is cancelled unless
// its callback was captured.
func (m *Manager) WindowClosed(ctx context.Context, label string) {
	m.mu.Lock()
	s := m.byLabel[label]
	cancelled := s != nil && s.active() && !s.callbackSeen
	if cancelled {
		m.removeLocked(s, StatusCancelled, nil)
	}
	m.mu.Unlock()

	if cancelled {
		slog.InfoContext(ctx, "login window closed by user", "session_id", s.id, "window_label", label)
	}
}

// Cancel ends the session owning state if it still awaits its callback. Reports whether
// a session was cancelled.
func (m *Manager) Cancel(ctx context.Context, state string) bool {
	m.mu.Lock()
	s := m.byState[state]
	cancelled := s != nil && s.active()
	if cancelled {
		m.removeLocked(s, StatusCancelled, nil)
	}
	m.mu.Unlock()

	if cancelled {
		m.release(ctx, s)
	}
	return cancelled
}

// WindowSession returns the session bound to a window label.
func (m *Manager) WindowSession(label string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byLabel[label]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// CaptureCallback marks the callback of a window's session as observed. first is true
// only for the first capture, so callers emit web-oauth-callback at most once.
func (m *Manager) CaptureCallback(label string) (sessionID string, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byLabel[label]
	if !ok || !s.active() {
		return "", false
	}
	first = !s.callbackSeen
	s.callbackSeen = true
	return s.id, first
}

// Sessions returns a snapshot of the active sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.byState))
	for _, s := range m.byState {
		out = append(out, s.info())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Sweep evicts sessions that outlived their timeout without being claimed. Returns the
// number evicted.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var expired []*authSession
	for _, s := range m.byState {
		if s.active() && s.expired(now) {
			m.removeLocked(s, StatusCancelled, errSessionExpired)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		slog.InfoContext(ctx, "login session expired", "session_id", s.id, "provider", s.provider.ID)
		m.release(ctx, s)
	}
	return len(expired)
}

// Run sweeps expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				slog.DebugContext(ctx, "swept expired sessions", "count", n)
			}
		}
	}
}

// Shutdown cancels every active session, rejects new ones and waits for background
// logins to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var active []*authSession
	for _, s := range m.byState {
		if s.active() {
			m.removeLocked(s, StatusCancelled, errShuttingDown)
			active = append(active, s)
		}
	}
	m.mu.Unlock()

	// Completing sessions run to the end on their own.

	for _, s := range active {
		m.release(ctx, s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background logins: %w", ctx.Err())
	}
}

var (
	errSessionExpired = errors.New("session expired")
	errShuttingDown   = errors.New("shutting down")
)

func (m *Manager) insert(s *authSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errShuttingDown
	}
	if _, dup := m.byState[s.state]; dup {
		return errors.New("state collision")
	}
	if s.label != "" {
		if _, dup := m.byLabel[s.label]; dup {
			return fmt.Errorf("window %s already has an active session", s.label)
		}
		m.byLabel[s.label] = s
	}
	m.byState[s.state] = s
	m.metrics.SessionStarted(string(s.provider.ID), string(s.mode))
	return nil
}

// advance moves s from one status to the next if it is still registered in from.
func (m *Manager) advance(s *authSession, from, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byState[s.state] != s || s.status != from {
		return false
	}
	s.status = to
	return true
}

// claim moves the session for state from awaiting-callback to completing. Expired
// sessions found on the way are evicted.
func (m *Manager) claim(ctx context.Context, state string) (*authSession, error) {
	m.mu.Lock()
	s, ok := m.byState[state]
	if !ok || s.status != StatusAwaitingCallback {
		m.mu.Unlock()
		return nil, ErrUnknownOrExpiredState
	}
	if s.expired(m.now()) {
		m.removeLocked(s, StatusCancelled, errSessionExpired)
		m.mu.Unlock()
		m.release(ctx, s)
		return nil, fmt.Errorf("%w: session expired", ErrUnknownOrExpiredState)
	}
	s.status = StatusCompleting
	m.mu.Unlock()
	return s, nil
}

// finish moves s to a terminal status, removes it and releases its window.
func (m *Manager) finish(ctx context.Context, s *authSession, status Status, err error) {
	m.mu.Lock()
	removed := m.removeLocked(s, status, err)
	m.mu.Unlock()
	if removed {
		m.release(ctx, s)
	}
}

// removeLocked drops s from the table. Reports false when s was already gone.
func (m *Manager) removeLocked(s *authSession, status Status, err error) bool {
	if m.byState[s.state] != s {
		return false
	}
	delete(m.byState, s.state)
	if s.label != "" && m.byLabel[s.label] == s {
		delete(m.byLabel, s.label)
	}
	s.status = status
	s.lastErr = err
	m.metrics.SessionEnded(string(s.provider.ID), string(s.mode), string(status))
	return true
}

// release closes the window and stops background work of a removed session.
func (m *Manager) release(ctx context.Context, s *authSession) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.label == "" {
		return
	}
	if err := m.launcher(s.mode).Close(ctx, s.label); err != nil {
		slog.DebugContext(ctx, "closing window failed", "session_id", s.id, "window_label", s.label, "error", err)
	}
}

func (m *Manager) launcher(mode browser.Mode) browser.Launcher {
	if mode == browser.ModeEmbedded {
		return m.embedded
	}
	return m.system
}

func (m *Manager) publish(ctx context.Context, name events.Name, sessionID string, payload any) {
	if err := m.events.Publish(ctx, name, sessionID, payload); err != nil {
		slog.WarnContext(ctx, "publishing event failed", "event", name, "session_id", sessionID, "error", err)
	}
}

// Package interceptor detects authorization callbacks.
//
// Embedded windows report every navigation through Navigate before loading it. A
// navigation to the session provider's redirect URI is blocked, so the page carrying the
// code is never rendered. The raw URL is handed on through the web-oauth-callback event,
// or completed directly when auto-complete is enabled, and the window is closed.
//
// System browser sessions redirect to the loopback listener instead, served by
// ServeHTTP.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/provider"
	"github.com/florianilch/kirodesk/internal/session"
)

// Verdict tells the UI shell whether a navigation may proceed.
type Verdict string

const (
	Allow Verdict = "allow"
	Block Verdict = "block"
)

// Sessions is the part of the session manager the interceptor drives.
type Sessions interface {
	WindowSession(label string) (session.Info, bool)
	CaptureCallback(label string) (sessionID string, first bool)
	CloseWindow(ctx context.Context, label string)
	WindowClosed(ctx context.Context, label string)
	Complete(ctx context.Context, callbackURL string) (session.LoginResult, error)
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithAutoComplete makes the interceptor complete captured callbacks itself instead of
// leaving it to the UI.
func WithAutoComplete(enabled bool) Option {
	return func(i *Interceptor) {
		i.autoComplete = enabled
	}
}

// Interceptor matches navigations against provider redirect URIs.
type Interceptor struct {
	sessions     Sessions
	providers    *provider.Registry
	events       events.Publisher
	autoComplete bool

	wg sync.WaitGroup
}

// Compile-time check that Interceptor implements http.Handler
var _ http.Handler = (*Interceptor)(nil)

// New creates an Interceptor.
func New(sessions Sessions, providers *provider.Registry, pub events.Publisher, opts ...Option) *Interceptor {
	i := &Interceptor{
		sessions:  sessions,
		providers: providers,
		events:    pub,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Navigate inspects a navigation of the window labeled label. Navigations of unknown
// windows and to anything but the redirect URI are allowed.
func (i *Interceptor) Navigate(ctx context.Context, label, rawURL string) Verdict {
	info, ok := i.sessions.WindowSession(label)
	if !ok {
		return Allow
	}
	p, err := i.providers.Get(string(info.Provider))
	if err != nil {
		return Allow
	}
	target, err := url.Parse(rawURL)
	if err != nil || !p.CallbackMatches(target) {
		return Allow
	}

	sessionID, first := i.sessions.CaptureCallback(label)
	if first {
		slog.InfoContext(ctx, "callback captured", "session_id", sessionID, "window_label", label, "provider", info.Provider)
		if i.autoComplete {
			i.complete(ctx, sessionID, info.Provider, rawURL)
		} else if err := i.events.Publish(ctx, events.WebOAuthCallback, sessionID, rawURL); err != nil {
			slog.WarnContext(ctx, "publishing callback failed", "session_id", sessionID, "error", err)
		}
	}

	i.sessions.CloseWindow(ctx, label)
	return Block
}

// WindowClosed reports that the user closed a window.
func (i *Interceptor) WindowClosed(ctx context.Context, label string) {
	i.sessions.WindowClosed(ctx, label)
}

// complete finishes a captured callback in the background. The outcome reaches the UI as
// login-success from the session manager or login-failed from here.
func (i *Interceptor) complete(ctx context.Context, sessionID string, id provider.ID, rawURL string) {
	ctx = context.WithoutCancel(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if _, err := i.sessions.Complete(ctx, rawURL); err != nil {
			slog.WarnContext(ctx, "auto-complete failed", "session_id", sessionID, "error", err)
			failure := session.LoginFailure{Provider: id, Error: err.Error(), Kind: session.Kind(err)}
			if err := i.events.Publish(ctx, events.LoginFailed, sessionID, failure); err != nil {
				slog.WarnContext(ctx, "publishing login failure failed", "session_id", sessionID, "error", err)
			}
		}
	}()
}

// Wait blocks until background completions have finished or ctx is done.
func (i *Interceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for callback completions: %w", ctx.Err())
	}
}

// ServeHTTP completes a system browser session redirected to the loopback listener and
// renders a short plain-text result.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	callback := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if r.TLS != nil {
		callback.Scheme = "https"
	}

	result, err := i.sessions.Complete(ctx, callback.String())
	if err != nil {
		slog.WarnContext(ctx, "loopback callback failed", "kind", session.Kind(err), "error", err)
		http.Error(w, "Login failed: "+err.Error()+"\n\nReturn to the application and try again.", callbackStatus(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	who := result.Email
	if who == "" {
		who = result.AccountID
	}
	_, _ = fmt.Fprintf(w, "Signed in to %s as %s.\n\nYou can close this window.\n", result.Provider, who)
}

func callbackStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidCallback):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownOrExpiredState):
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/provider"
)

// LegacyLogin logs in without the two-step web flow. Authorization code providers open
// the system browser and are completed by the loopback callback. Device flow providers
// show a user code, open the verification page and poll for the token in the background.
// Either way the outcome is reported through login-success or login-failed.
func (m *Manager) LegacyLogin(ctx context.Context, rawProvider string) error {
	p, err := m.providers.Get(rawProvider)
	if err != nil {
		return err
	}

	switch p.Flow {
	case provider.FlowDevice:
		return m.startDevice(ctx, p)
	default:
		_, err := m.start(ctx, p, browser.ModeSystem)
		return err
	}
}

func (m *Manager) startDevice(ctx context.Context, p provider.Config) error {
	s, err := newAuthSession(p, browser.ModeDevice, m.now(), m.timeout)
	if err != nil {
		return err
	}

	// Polling outlives the request that started it and stops at the session deadline.
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	s.cancel = cancel
	if err := m.insert(s); err != nil {
		cancel()
		return err
	}

	started := time.Now()
	da, err := m.exchanger.DeviceAuth(ctx, p)
	m.metrics.ObserveExchange(string(p.ID), "device_auth", resultLabel(err), time.Since(started))
	if err != nil {
		m.finish(ctx, s, StatusFailed, err)
		return err
	}

	m.publish(ctx, events.DeviceCode, s.id, DeviceCode{
		Provider:                p.ID,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresAt:               da.Expiry,
	})

	target := da.VerificationURIComplete
	if target == "" {
		target = da.VerificationURI
	}
	if err := m.system.Open(ctx, "", target); err != nil {
		// The user can still enter the code from the device-code event.
		slog.WarnContext(ctx, "opening verification page failed", "session_id", s.id, "error", err)
	}

	if !m.advance(s, StatusPending, StatusAwaitingCallback) {
		return fmt.Errorf("%w: session ended before polling started", ErrUnknownOrExpiredState)
	}

	slog.InfoContext(ctx, "device login started", "session_id", s.id, "provider", p.ID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.pollDevice(pollCtx, s, da)
	}()
	return nil
}

func (m *Manager) pollDevice(ctx context.Context, s *authSession, da *oauth2.DeviceAuthResponse) {
	tok, err := m.exchanger.DeviceToken(ctx, s.provider, da)

	// Whoever moves the session out of awaiting-callback first owns the outcome.
	if !m.advance(s, StatusAwaitingCallback, StatusCompleting) {
		slog.DebugContext(ctx, "device login ended before the token arrived", "session_id", s.id)
		return
	}

	// Storing must not be cut short by the polling deadline.
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: device code expired", ErrUnknownOrExpiredState)
		}
		slog.WarnContext(ctx, "device login failed", "session_id", s.id, "provider", s.provider.ID, "error", err)
		m.finish(ctx, s, StatusFailed, err)
		m.publish(ctx, events.LoginFailed, s.id, LoginFailure{Provider: s.provider.ID, Error: err.Error(), Kind: Kind(err)})
		return
	}

	if _, err := m.resolve(ctx, s, tok); err != nil {
		m.publish(ctx, events.LoginFailed, s.id, LoginFailure{Provider: s.provider.ID, Error: err.Error(), Kind: Kind(err)})
	}
}

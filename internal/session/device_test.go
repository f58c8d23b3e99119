package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/exchange"
	"github.com/florianilch/kirodesk/internal/provider"
)

func TestLegacyLoginDeviceFlow(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()
	defer sub.Close()

	if err := h.m.LegacyLogin(context.Background(), "BuilderId"); err != nil {
		t.Fatalf("LegacyLogin: %v", err)
	}

	code := decodePayload[DeviceCode](t, waitFor(t, sub, events.DeviceCode))
	if code.UserCode != "ABCD-EFGH" || code.Provider != provider.BuilderID {
		t.Errorf("device code payload %+v", code)
	}

	result := decodePayload[LoginResult](t, waitFor(t, sub, events.LoginSuccess))
	if result.AccountID != "builderid:user-device" {
		t.Errorf("AccountID = %q", result.AccountID)
	}

	opens := h.system.opens()
	if len(opens) != 1 || opens[0].url != "https://device.example?user_code=ABCD-EFGH" {
		t.Errorf("system opens = %+v", opens)
	}
	if _, err := h.store.Get(context.Background(), result.AccountID); err != nil {
		t.Errorf("device account not stored: %v", err)
	}
}

func TestLegacyLoginDeviceFailure(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()
	defer sub.Close()

	h.exchanger.deviceTokenFn = func(context.Context, provider.Config, *oauth2.DeviceAuthResponse) (credential.Token, error) {
		return credential.Token{}, &exchange.Error{Kind: exchange.ErrInvalidGrant, Message: "access_denied"}
	}

	if err := h.m.LegacyLogin(context.Background(), "BuilderId"); err != nil {
		t.Fatalf("LegacyLogin: %v", err)
	}
	failure := decodePayload[LoginFailure](t, waitFor(t, sub, events.LoginFailed))
	if failure.Kind != "InvalidGrant" || failure.Provider != provider.BuilderID {
		t.Errorf("login-failed payload %+v", failure)
	}
}

func TestLegacyLoginDeviceAuthErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	h.exchanger.deviceAuthFn = func(context.Context, provider.Config) (*oauth2.DeviceAuthResponse, error) {
		return nil, &exchange.Error{Kind: exchange.ErrProvider, Message: "invalid client"}
	}

	err := h.m.LegacyLogin(context.Background(), "BuilderId")
	if !errors.Is(err, exchange.ErrProvider) {
		t.Fatalf("error = %v, want ErrProvider", err)
	}
	if n := len(h.m.Sessions()); n != 0 {
		t.Errorf("%d sessions left", n)
	}
}

func TestCancelStopsDevicePolling(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()
	defer sub.Close()

	polling := make(chan struct{})
	stopped := make(chan struct{})
	h.exchanger.deviceTokenFn = func(ctx context.Context, _ provider.Config, _ *oauth2.DeviceAuthResponse) (credential.Token, error) {
		close(polling)
		<-ctx.Done()
		close(stopped)
		return credential.Token{}, &exchange.Error{Kind: exchange.ErrNetwork, Err: ctx.Err()}
	}

	if err := h.m.LegacyLogin(context.Background(), "BuilderId"); err != nil {
		t.Fatalf("LegacyLogin: %v", err)
	}
	<-polling

	sessions := h.m.Sessions()
	if len(sessions) != 1 || sessions[0].Mode != browser.ModeDevice {
		t.Fatalf("sessions = %+v", sessions)
	}

	if err := h.m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("device polling not stopped")
	}

	evs := collect(sub, 50*time.Millisecond)
	if n := countEvents(evs, events.LoginFailed) + countEvents(evs, events.LoginSuccess); n != 0 {
		t.Errorf("cancelled device login reported an outcome")
	}
}

func TestLegacyLoginSocialUsesSystemBrowser(t *testing.T) {
	h := newHarness(t)
	if err := h.m.LegacyLogin(context.Background(), "Github"); err != nil {
		t.Fatalf("LegacyLogin: %v", err)
	}
	if n := len(h.system.opens()); n != 1 {
		t.Errorf("system browser opened %d times", n)
	}
	sessions := h.m.Sessions()
	if len(sessions) != 1 || sessions[0].Provider != provider.Github || sessions[0].Status != StatusAwaitingCallback {
		t.Errorf("sessions = %+v", sessions)
	}
}

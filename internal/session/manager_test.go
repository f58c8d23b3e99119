package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/exchange"
	"github.com/florianilch/kirodesk/internal/provider"
)

func TestInitiateOpensSystemBrowser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.m.Initiate(ctx, "Google")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if len(state) != 43 {
		t.Errorf("state %q is not 32 base64url bytes", state)
	}

	opens := h.system.opens()
	if len(opens) != 1 {
		t.Fatalf("system browser opened %d times, want 1", len(opens))
	}
	authURL, err := url.Parse(opens[0].url)
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	q := authURL.Query()
	if q.Get("state") != state {
		t.Errorf("auth url state = %q, want %q", q.Get("state"), state)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("auth url lacks PKCE challenge: %s", authURL)
	}
	if q.Get("idp") != "Google" {
		t.Errorf("idp = %q", q.Get("idp"))
	}
	if q.Get("redirect_uri") != testRedirectURL {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	sessions := h.m.Sessions()
	if len(sessions) != 1 || sessions[0].Status != StatusAwaitingCallback || sessions[0].Mode != browser.ModeSystem {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func TestUnsupportedProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"initiate unknown", func() error { _, err := h.m.Initiate(ctx, "Facebook"); return err }},
		{"window unknown", func() error { _, err := h.m.LoginWithWindow(ctx, ""); return err }},
		{"initiate device provider", func() error { _, err := h.m.Initiate(ctx, "BuilderId"); return err }},
		{"window device provider", func() error { _, err := h.m.LoginWithWindow(ctx, "BuilderId"); return err }},
		{"legacy unknown", func() error { return h.m.LegacyLogin(ctx, "google") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, provider.ErrUnsupported) {
				t.Fatalf("error = %v, want ErrUnsupported", err)
			}
		})
	}
	if n := len(h.m.Sessions()); n != 0 {
		t.Errorf("%d sessions created for unsupported providers", n)
	}
}

func TestCompleteAcceptsStateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.m.Initiate(ctx, "Github")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	result, err := h.m.Complete(ctx, callbackURL("abc", state))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.AccountID != "github:user-abc" || result.Provider != provider.Github {
		t.Errorf("unexpected result %+v", result)
	}

	_, err = h.m.Complete(ctx, callbackURL("def", state))
	if !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Fatalf("second Complete error = %v, want ErrUnknownOrExpiredState", err)
	}

	calls := h.exchanger.exchangeCalls()
	if len(calls) != 1 {
		t.Fatalf("exchange called %d times, want 1", len(calls))
	}
	if calls[0].code != "abc" || calls[0].verifier == "" {
		t.Errorf("exchange call %+v, want code abc with a PKCE verifier", calls[0])
	}
}

func TestCompleteRacingCallsSpendCodeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	h.exchanger.exchangeFn = func(ctx context.Context, p provider.Config, code, _ string) (credential.Token, error) {
		<-release
		return issuedToken(p.ID, code), nil
	}

	state, err := h.m.Initiate(ctx, "Google")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			_, err := h.m.Complete(ctx, callbackURL("abc", state))
			errs <- err
		})
	}

	// Let the losers fail before the winner's exchange returns.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, unknown int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrUnknownOrExpiredState):
			unknown++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || unknown != n-1 {
		t.Errorf("ok=%d unknown=%d, want 1 and %d", ok, unknown, n-1)
	}
	if got := len(h.exchanger.exchangeCalls()); got != 1 {
		t.Errorf("exchange called %d times, want 1", got)
	}
}

func TestCompleteInvalidCallbackMutatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.m.Initiate(ctx, "Google")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	before := h.m.Sessions()

	for _, raw := range []string{
		"",
		"not a url",
		"://missing-scheme",
		testRedirectURL,
		testRedirectURL + "?code=abc",
		testRedirectURL + "?state=" + state,
		testRedirectURL + "?code=&state=" + state,
		testRedirectURL + "?error=access_denied&state=" + state,
	} {
		t.Run(raw, func(t *testing.T) {
			if _, err := h.m.Complete(ctx, raw); !errors.Is(err, ErrInvalidCallback) {
				t.Fatalf("Complete(%q) error = %v, want ErrInvalidCallback", raw, err)
			}
		})
	}

	after := h.m.Sessions()
	if len(after) != 1 || after[0] != before[0] {
		t.Errorf("sessions changed: before %+v after %+v", before, after)
	}
	if n := len(h.exchanger.exchangeCalls()); n != 0 {
		t.Errorf("exchange called %d times", n)
	}

	// The session is still usable.
	if _, err := h.m.Complete(ctx, callbackURL("abc", state)); err != nil {
		t.Errorf("Complete after invalid callbacks: %v", err)
	}
}

func TestCompleteUnknownState(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Complete(context.Background(), callbackURL("abc", "never-issued")); !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Fatalf("error = %v, want ErrUnknownOrExpiredState", err)
	}
}

func TestCompleteFailureEndsSession(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"invalid grant", &exchange.Error{Kind: exchange.ErrInvalidGrant, Message: "code already used"}, "InvalidGrant"},
		{"network", &exchange.Error{Kind: exchange.ErrNetwork, Err: context.DeadlineExceeded}, "NetworkError"},
		{"provider", &exchange.Error{Kind: exchange.ErrProvider, Message: "boom", Status: 500}, "ProviderError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.exchanger.exchangeFn = func(context.Context, provider.Config, string, string) (credential.Token, error) {
				return credential.Token{}, tt.err
			}

			win, err := h.m.LoginWithWindow(ctx, "Google")
			if err != nil {
				t.Fatalf("LoginWithWindow: %v", err)
			}

			_, err = h.m.Complete(ctx, callbackURL("abc", win.State))
			if !errors.Is(err, tt.err.(*exchange.Error).Kind) {
				t.Fatalf("error = %v, want %v", err, tt.err)
			}
			if got := Kind(err); got != tt.kind {
				t.Errorf("Kind = %q, want %q", got, tt.kind)
			}
			if n := len(h.m.Sessions()); n != 0 {
				t.Errorf("%d sessions left after failure", n)
			}
			if _, ok := h.m.WindowSession(win.WindowLabel); ok {
				t.Error("window label still bound")
			}
			if closes := h.embedded.closes(); len(closes) != 1 || closes[0] != win.WindowLabel {
				t.Errorf("window closes = %v, want [%s]", closes, win.WindowLabel)
			}
			if _, err := h.m.Complete(ctx, callbackURL("abc", win.State)); !errors.Is(err, ErrUnknownOrExpiredState) {
				t.Errorf("retry error = %v, want ErrUnknownOrExpiredState", err)
			}
			accounts, _ := h.m.Accounts(ctx)
			if len(accounts) != 0 {
				t.Errorf("accounts stored after failed exchange: %+v", accounts)
			}
		})
	}
}

func TestWindowLoginScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe()
	defer sub.Close()

	win, err := h.m.LoginWithWindow(ctx, "Google")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}
	if !strings.HasPrefix(win.WindowLabel, "oauth-") || win.State == "" {
		t.Fatalf("unexpected window login %+v", win)
	}
	opens := h.embedded.opens()
	if len(opens) != 1 || opens[0].label != win.WindowLabel {
		t.Fatalf("embedded opens = %+v", opens)
	}
	if len(h.system.opens()) != 0 {
		t.Error("system browser opened for a window login")
	}

	info, ok := h.m.WindowSession(win.WindowLabel)
	if !ok || info.Provider != provider.Google || info.Status != StatusAwaitingCallback {
		t.Fatalf("WindowSession = %+v, %v", info, ok)
	}

	id, first := h.m.CaptureCallback(win.WindowLabel)
	if !first || id != info.ID {
		t.Fatalf("CaptureCallback = %q, %v", id, first)
	}
	if _, again := h.m.CaptureCallback(win.WindowLabel); again {
		t.Error("second capture reported as first")
	}

	result, err := h.m.Complete(ctx, "https://app.example/oauth?code=abc&state="+win.State)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	acct, err := h.store.Get(ctx, result.AccountID)
	if err != nil {
		t.Fatalf("account not stored: %v", err)
	}
	if acct.Token.AccessToken != "access-abc" || acct.Email != "abc@example.com" {
		t.Errorf("unexpected stored account %+v", acct)
	}

	evs := collect(sub, 100*time.Millisecond)
	if n := countEvents(evs, events.LoginSuccess); n != 1 {
		t.Fatalf("login-success fired %d times, want 1", n)
	}
	for _, ev := range evs {
		if ev.Name != events.LoginSuccess {
			continue
		}
		payload := decodePayload[LoginResult](t, ev)
		if payload.AccountID != result.AccountID || payload.Message == "" {
			t.Errorf("login-success payload %+v", payload)
		}
		if ev.SessionID != info.ID {
			t.Errorf("event session id = %q, want %q", ev.SessionID, info.ID)
		}
	}
	if closes := h.embedded.closes(); len(closes) != 1 || closes[0] != win.WindowLabel {
		t.Errorf("window closes = %v", closes)
	}
	if n := len(h.m.Sessions()); n != 0 {
		t.Errorf("%d sessions left", n)
	}
}

func TestLoginKeepsAccountCreationTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	login := func() LoginResult {
		state, err := h.m.Initiate(ctx, "Google")
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		res, err := h.m.Complete(ctx, callbackURL("same-user", state))
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		return res
	}

	first := login()
	created, _ := h.store.Get(ctx, first.AccountID)
	h.clock.Advance(time.Minute)
	second := login()

	if first.AccountID != second.AccountID {
		t.Fatalf("account ids differ: %s %s", first.AccountID, second.AccountID)
	}
	acct, _ := h.store.Get(ctx, second.AccountID)
	if !acct.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed from %v to %v", created.CreatedAt, acct.CreatedAt)
	}
	if !acct.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("UpdatedAt not advanced")
	}
}

func TestCloseWindowIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w1, err := h.m.LoginWithWindow(ctx, "Google")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}
	w2, err := h.m.LoginWithWindow(ctx, "Github")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}

	h.m.CloseWindow(ctx, w1.WindowLabel)
	h.m.CloseWindow(ctx, w1.WindowLabel)
	h.m.CloseWindow(ctx, "oauth-unknown")
	h.m.CloseWindow(ctx, "")

	if _, ok := h.m.WindowSession(w1.WindowLabel); ok {
		t.Error("closed window still has a session")
	}
	info, ok := h.m.WindowSession(w2.WindowLabel)
	if !ok || info.Status != StatusAwaitingCallback {
		t.Fatalf("other session affected: %+v %v", info, ok)
	}

	if _, err := h.m.Complete(ctx, callbackURL("abc", w1.State)); !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Errorf("Complete on cancelled session = %v, want ErrUnknownOrExpiredState", err)
	}
	if _, err := h.m.Complete(ctx, callbackURL("abc", w2.State)); err != nil {
		t.Errorf("Complete on other session: %v", err)
	}
}

func TestCloseWindowAfterCapturedCallbackKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	win, err := h.m.LoginWithWindow(ctx, "Google")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}
	h.m.CaptureCallback(win.WindowLabel)
	h.m.CloseWindow(ctx, win.WindowLabel)
	h.m.WindowClosed(ctx, win.WindowLabel)

	if _, err := h.m.Complete(ctx, callbackURL("abc", win.State)); err != nil {
		t.Fatalf("Complete after window closed: %v", err)
	}
}

func TestWindowClosedCancelsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	win, err := h.m.LoginWithWindow(ctx, "Github")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}
	h.m.WindowClosed(ctx, win.WindowLabel)

	if n := len(h.m.Sessions()); n != 0 {
		t.Errorf("%d sessions after window closed", n)
	}
	if _, err := h.m.Complete(ctx, callbackURL("abc", win.State)); !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Errorf("error = %v, want ErrUnknownOrExpiredState", err)
	}
}

func TestCloseWindowDuringExchangeLosesToComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.exchanger.exchangeFn = func(ctx context.Context, p provider.Config, code, _ string) (credential.Token, error) {
		close(entered)
		<-release
		return issuedToken(p.ID, code), nil
	}

	win, err := h.m.LoginWithWindow(ctx, "Google")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Complete(ctx, callbackURL("abc", win.State))
		done <- err
	}()

	<-entered
	h.m.CloseWindow(ctx, win.WindowLabel)
	if info, ok := h.m.WindowSession(win.WindowLabel); !ok || info.Status != StatusCompleting {
		t.Errorf("completing session disturbed by CloseWindow: %+v %v", info, ok)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestCancelWinsOverLaterComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.m.Initiate(ctx, "Google")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !h.m.Cancel(ctx, state) {
		t.Fatal("Cancel reported no session")
	}
	if h.m.Cancel(ctx, state) {
		t.Error("second Cancel reported a session")
	}
	if _, err := h.m.Complete(ctx, callbackURL("abc", state)); !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Errorf("error = %v, want ErrUnknownOrExpiredState", err)
	}
}

func TestConcurrentInitiateYieldsDistinctStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 64
	states := make(chan string, n)
	var wg sync.WaitGroup
	for i := range n {
		id := "Google"
		if i%2 == 1 {
			id = "Github"
		}
		wg.Go(func() {
			state, err := h.m.Initiate(ctx, id)
			if err != nil {
				t.Errorf("Initiate: %v", err)
				return
			}
			states <- state
		})
	}
	wg.Wait()
	close(states)

	seen := make(map[string]bool, n)
	for s := range states {
		if seen[s] {
			t.Fatalf("state %q issued twice", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Errorf("got %d states, want %d", len(seen), n)
	}
	if got := len(h.m.Sessions()); got != n {
		t.Errorf("Sessions = %d, want %d", got, n)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	win, err := h.m.LoginWithWindow(ctx, "Google")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}
	h.clock.Advance(5*time.Minute + time.Second)

	if _, err := h.m.Complete(ctx, callbackURL("abc", win.State)); !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Fatalf("error = %v, want ErrUnknownOrExpiredState", err)
	}
	if n := len(h.exchanger.exchangeCalls()); n != 0 {
		t.Errorf("expired session exchanged its code")
	}
	if n := len(h.m.Sessions()); n != 0 {
		t.Errorf("expired session still listed")
	}
	if closes := h.embedded.closes(); len(closes) != 1 {
		t.Errorf("expired session window not closed: %v", closes)
	}
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old, err := h.m.LoginWithWindow(ctx, "Google")
	if err != nil {
		t.Fatalf("LoginWithWindow: %v", err)
	}
	h.clock.Advance(3 * time.Minute)
	fresh, err := h.m.Initiate(ctx, "Github")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.clock.Advance(3 * time.Minute)

	if n := h.m.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep evicted %d sessions, want 1", n)
	}
	if _, ok := h.m.WindowSession(old.WindowLabel); ok {
		t.Error("expired window session survived the sweep")
	}
	if closes := h.embedded.closes(); len(closes) != 1 || closes[0] != old.WindowLabel {
		t.Errorf("window closes = %v", closes)
	}
	if _, err := h.m.Complete(ctx, callbackURL("abc", fresh)); err != nil {
		t.Errorf("fresh session: %v", err)
	}
}

func TestRunSweepsPeriodically(t *testing.T) {
	h := newHarness(t, WithSweepInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := h.m.Initiate(ctx, "Google"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.clock.Advance(time.Hour)

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.m.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not sweep the expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestLauncherFailureRemovesSession(t *testing.T) {
	h := newHarness(t)
	h.embedded.openErr = errors.New("shell gone")

	if _, err := h.m.LoginWithWindow(context.Background(), "Google"); err == nil {
		t.Fatal("want error when the window cannot be opened")
	}
	if n := len(h.m.Sessions()); n != 0 {
		t.Errorf("%d sessions left after launcher failure", n)
	}
}

func TestShutdownCancelsSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.m.Initiate(ctx, "Google")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := h.m.Complete(ctx, callbackURL("abc", state)); !errors.Is(err, ErrUnknownOrExpiredState) {
		t.Errorf("Complete after shutdown = %v", err)
	}
	if _, err := h.m.Initiate(ctx, "Google"); err == nil {
		t.Error("Initiate accepted after shutdown")
	}
}

func TestWindowLoginJSONCarriesBothLabelSpellings(t *testing.T) {
	b, err := WindowLogin{WindowLabel: "oauth-1", State: "s1"}.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	for _, want := range []string{`"windowLabel":"oauth-1"`, `"window_label":"oauth-1"`, `"state":"s1"`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("%s lacks %s", b, want)
		}
	}
}

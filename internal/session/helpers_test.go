package session

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/identity"
	"github.com/florianilch/kirodesk/internal/provider"
	"github.com/florianilch/kirodesk/internal/tokenstore"
)

const testRedirectURL = "https://app.example/oauth"

type exchangeCall struct {
	provider provider.ID
	code     string
	verifier string
}

type fakeExchanger struct {
	mu            sync.Mutex
	exchanges     []exchangeCall
	refreshes     []string
	exchangeFn    func(ctx context.Context, p provider.Config, code, verifier string) (credential.Token, error)
	refreshFn     func(ctx context.Context, p provider.Config, refreshToken string) (credential.Token, error)
	deviceAuthFn  func(ctx context.Context, p provider.Config) (*oauth2.DeviceAuthResponse, error)
	deviceTokenFn func(ctx context.Context, p provider.Config, da *oauth2.DeviceAuthResponse) (credential.Token, error)
}

func issuedToken(id provider.ID, code string) credential.Token {
	return credential.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Provider:     id,
	}
}

func (f *fakeExchanger) Exchange(ctx context.Context, p provider.Config, code, verifier string) (credential.Token, error) {
	f.mu.Lock()
	f.exchanges = append(f.exchanges, exchangeCall{provider: p.ID, code: code, verifier: verifier})
	fn := f.exchangeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, p, code, verifier)
	}
	return issuedToken(p.ID, code), nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, p provider.Config, refreshToken string) (credential.Token, error) {
	f.mu.Lock()
	f.refreshes = append(f.refreshes, refreshToken)
	fn := f.refreshFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, p, refreshToken)
	}
	return credential.Token{AccessToken: "refreshed", Provider: p.ID, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeExchanger) DeviceAuth(ctx context.Context, p provider.Config) (*oauth2.DeviceAuthResponse, error) {
	if f.deviceAuthFn != nil {
		return f.deviceAuthFn(ctx, p)
	}
	return &oauth2.DeviceAuthResponse{
		DeviceCode:              "device-code",
		UserCode:                "ABCD-EFGH",
		VerificationURI:         "https://device.example",
		VerificationURIComplete: "https://device.example?user_code=ABCD-EFGH",
		Expiry:                  time.Now().Add(10 * time.Minute),
	}, nil
}

func (f *fakeExchanger) DeviceToken(ctx context.Context, p provider.Config, da *oauth2.DeviceAuthResponse) (credential.Token, error) {
	if f.deviceTokenFn != nil {
		return f.deviceTokenFn(ctx, p, da)
	}
	return issuedToken(p.ID, "device"), nil
}

func (f *fakeExchanger) exchangeCalls() []exchangeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchangeCall(nil), f.exchanges...)
}

func (f *fakeExchanger) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshes)
}

// subjectFromToken derives the subject from the fake access token ("access-<code>").
type subjectFromToken struct{}

func (subjectFromToken) Resolve(_ context.Context, tok credential.Token) (identity.Identity, error) {
	sub := strings.TrimPrefix(tok.AccessToken, "access-")
	return identity.Identity{Subject: "user-" + sub, Email: sub + "@example.com"}, nil
}

type openCall struct {
	label string
	url   string
}

type recordingLauncher struct {
	mu      sync.Mutex
	opened  []openCall
	closed  []string
	openErr error
}

func (r *recordingLauncher) Open(_ context.Context, label, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return r.openErr
	}
	r.opened = append(r.opened, openCall{label: label, url: url})
	return nil
}

func (r *recordingLauncher) Close(_ context.Context, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, label)
	return nil
}

func (r *recordingLauncher) opens() []openCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]openCall(nil), r.opened...)
}

func (r *recordingLauncher) closes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	m         *Manager
	exchanger *fakeExchanger
	system    *recordingLauncher
	embedded  *recordingLauncher
	bus       *events.Bus
	store     tokenstore.TokenStore
	clock     *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	configs := append(provider.Defaults(testRedirectURL), provider.BuilderIDDefaults("client", "secret"))
	registry, err := provider.NewRegistry(configs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store, err := tokenstore.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	h := &harness{
		exchanger: &fakeExchanger{},
		system:    &recordingLauncher{},
		embedded:  &recordingLauncher{},
		bus:       events.NewBus(),
		store:     store,
		clock:     newFakeClock(),
	}
	base := []Option{
		WithSystemBrowser(h.system),
		WithEmbeddedBrowser(h.embedded),
		WithIdentityResolver(subjectFromToken{}),
		WithClock(h.clock.Now),
		WithTimeout(5 * time.Minute),
	}
	h.m, err = New(registry, h.exchanger, store, h.bus, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
		h.bus.Close()
	})
	return h
}

func callbackURL(code, state string) string {
	v := url.Values{}
	if code != "" {
		v.Set("code", code)
	}
	if state != "" {
		v.Set("state", state)
	}
	return testRedirectURL + "?" + v.Encode()
}

// collect drains events from sub until quiet for the given duration.
func collect(sub *events.Subscription, quiet time.Duration) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(quiet):
			return out
		}
	}
}

func waitFor(t *testing.T, sub *events.Subscription, name events.Name) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed before %s", name)
			}
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func countEvents(evs []events.Event, name events.Name) int {
	n := 0
	for _, ev := range evs {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func decodePayload[T any](t *testing.T, ev events.Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatalf("decoding %s payload: %v", ev.Name, err)
	}
	return v
}

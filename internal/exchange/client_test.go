package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/florianilch/kirodesk/internal/provider"
)

func formProvider(serverURL string) provider.Config {
	return provider.Config{
		ID:            provider.Google,
		Flow:          provider.FlowAuthorizationCode,
		ClientID:      "client-id",
		AuthURL:       serverURL + "/authorize",
		TokenURL:      serverURL + "/token",
		RedirectURL:   "https://app.example/oauth",
		PKCE:          true,
		TokenEncoding: provider.EncodingForm,
	}
}

func jsonProvider(serverURL string) provider.Config {
	return provider.Config{
		ID:            provider.Github,
		Flow:          provider.FlowAuthorizationCode,
		AuthURL:       serverURL + "/login",
		TokenURL:      serverURL + "/oauth/token",
		RefreshURL:    serverURL + "/refreshToken",
		RedirectURL:   "https://app.example/oauth",
		PKCE:          true,
		TokenEncoding: provider.EncodingJSON,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestExchangeForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "abc" {
			t.Errorf("code = %q", got)
		}
		if got := r.PostForm.Get("code_verifier"); got != "verifier" {
			t.Errorf("code_verifier = %q", got)
		}
		if got := r.PostForm.Get("redirect_uri"); got != "https://app.example/oauth" {
			t.Errorf("redirect_uri = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      "a.b.c",
		})
	}))
	defer srv.Close()

	tok, err := New().Exchange(context.Background(), formProvider(srv.URL), "abc", "verifier")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "access" || tok.RefreshToken != "refresh" || tok.IDToken != "a.b.c" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.Provider != provider.Google {
		t.Errorf("Provider = %q", tok.Provider)
	}
	if time.Until(tok.Expiry) < 50*time.Minute {
		t.Errorf("Expiry = %v, want about one hour from now", tok.Expiry)
	}
}

func TestClientHeaders(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts []Option
		want string
	}{
		{name: "default", want: DefaultUserAgent},
		{name: "custom", opts: []Option{WithUserAgent("kirodesk/1.2.3")}, want: "kirodesk/1.2.3"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("User-Agent"); got != tt.want {
					t.Errorf("User-Agent = %q, want %q", got, tt.want)
				}
				if got := r.Header.Get("Accept"); got != "application/json" {
					t.Errorf("Accept = %q", got)
				}
				writeJSON(w, http.StatusOK, map[string]any{"accessToken": "access", "expiresIn": 60})
			}))
			defer srv.Close()

			if _, err := New(tt.opts...).Exchange(context.Background(), jsonProvider(srv.URL), "abc", "verifier"); err != nil {
				t.Fatalf("Exchange: %v", err)
			}
		})
	}
}

func TestExchangeJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["code"] != "abc" || body["codeVerifier"] != "verifier" || body["redirectUri"] != "https://app.example/oauth" {
			t.Errorf("unexpected request body %v", body)
		}
		if body["grantType"] != "authorization_code" {
			t.Errorf("grantType = %v", body["grantType"])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  "kiro-access",
			"refreshToken": "kiro-refresh",
			"expiresIn":    3600,
			"profileArn":   "arn:aws:codewhisperer:us-east-1:1:profile/P",
		})
	}))
	defer srv.Close()

	tok, err := New().Exchange(context.Background(), jsonProvider(srv.URL), "abc", "verifier")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "kiro-access" || tok.RefreshToken != "kiro-refresh" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.ProfileArn != "arn:aws:codewhisperer:us-east-1:1:profile/P" {
		t.Errorf("ProfileArn = %q", tok.ProfileArn)
	}
	if tok.Expiry.IsZero() {
		t.Error("Expiry not parsed from camelCase expiresIn")
	}
}

func TestExchangeErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        any
		contentType string
		wantKind    error
		wantMessage string
	}{
		{
			name:        "invalid grant",
			status:      http.StatusBadRequest,
			body:        map[string]string{"error": "invalid_grant", "error_description": "code already used"},
			wantKind:    ErrInvalidGrant,
			wantMessage: "code already used",
		},
		{
			name:        "client error passthrough",
			status:      http.StatusUnauthorized,
			body:        map[string]string{"error": "invalid_client", "error_description": "unknown client"},
			wantKind:    ErrProvider,
			wantMessage: "unknown client",
		},
		{
			name:        "server error passthrough",
			status:      http.StatusServiceUnavailable,
			body:        "upstream is down",
			contentType: "text/html",
			wantKind:    ErrProvider,
			wantMessage: "upstream is down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if s, ok := tt.body.(string); ok {
					w.Header().Set("Content-Type", tt.contentType)
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, s)
					return
				}
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := New().Exchange(context.Background(), formProvider(srv.URL), "abc", "v")
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("error = %v, want %v", err, tt.wantKind)
			}
			var exErr *Error
			if !errors.As(err, &exErr) {
				t.Fatalf("error %T is not *Error", err)
			}
			if !strings.Contains(exErr.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want it to contain %q", exErr.Message, tt.wantMessage)
			}
			if exErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", exErr.Status, tt.status)
			}
		})
	}
}

func TestExchangeTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := New(WithTimeout(50 * time.Millisecond))
	_, err := client.Exchange(context.Background(), formProvider(srv.URL), "abc", "v")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestExchangeUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New().Exchange(context.Background(), formProvider(url), "abc", "v")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestExchangeDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	_, _ = New().Exchange(context.Background(), formProvider(srv.URL), "abc", "v")
	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
}

func TestRefreshUsesRefreshURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/refreshToken" {
			t.Errorf("refresh sent to %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "old-refresh" {
			t.Errorf("refreshToken = %v", body["refreshToken"])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken": "new-access",
			"expiresIn":   3600,
		})
	}))
	defer srv.Close()

	tok, err := New().Refresh(context.Background(), jsonProvider(srv.URL), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "old-refresh" {
		t.Errorf("RefreshToken = %q, want the previous one kept", tok.RefreshToken)
	}
}

func TestRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "revoked"})
	}))
	defer srv.Close()

	_, err := New().Refresh(context.Background(), formProvider(srv.URL), "dead")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("error = %v, want ErrInvalidGrant", err)
	}

	if _, err := New().Refresh(context.Background(), formProvider(srv.URL), ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("empty refresh token error = %v, want ErrInvalidGrant", err)
	}
}

func TestDeviceFlow(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /device_authorization", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["clientId"] != "client" || body["clientSecret"] != "secret" || body["startUrl"] != provider.BuilderIDStartURL {
			t.Errorf("unexpected device auth body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deviceCode":              "device-code",
			"userCode":                "ABCD-EFGH",
			"verificationUri":         "https://device.example",
			"verificationUriComplete": "https://device.example?user_code=ABCD-EFGH",
			"expiresIn":               600,
			"interval":                1,
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["deviceCode"] != "device-code" {
			t.Errorf("deviceCode = %v", body["deviceCode"])
		}
		if polls.Add(1) == 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization_pending"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  "builder-access",
			"refreshToken": "builder-refresh",
			"expiresIn":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := provider.BuilderIDDefaults("client", "secret")
	cfg.DeviceAuthURL = srv.URL + "/device_authorization"
	cfg.TokenURL = srv.URL + "/token"

	client := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	da, err := client.DeviceAuth(ctx, cfg)
	if err != nil {
		t.Fatalf("DeviceAuth: %v", err)
	}
	if da.UserCode != "ABCD-EFGH" || da.VerificationURIComplete == "" {
		t.Fatalf("unexpected device auth response %+v", da)
	}

	tok, err := client.DeviceToken(ctx, cfg, da)
	if err != nil {
		t.Fatalf("DeviceToken: %v", err)
	}
	if tok.AccessToken != "builder-access" || tok.Provider != provider.BuilderID {
		t.Errorf("unexpected token %+v", tok)
	}
	if polls.Load() != 2 {
		t.Errorf("polled %d times, want 2", polls.Load())
	}
}

func TestCaseConversion(t *testing.T) {
	snake := map[string]string{
		"grant_type":    "grantType",
		"code":          "code",
		"code_verifier": "codeVerifier",
		"redirect_uri":  "redirectUri",
	}
	for in, want := range snake {
		if got := snakeToCamel(in); got != want {
			t.Errorf("snakeToCamel(%q) = %q, want %q", in, got, want)
		}
	}

	camel := map[string]string{
		"accessToken":             "access_token",
		"expiresIn":               "expires_in",
		"verificationUriComplete": "verification_uri_complete",
		"access_token":            "access_token",
		"error":                   "error",
	}
	for in, want := range camel {
		if got := camelToSnake(in); got != want {
			t.Errorf("camelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

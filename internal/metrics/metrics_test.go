package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted("Google", "embedded-window")
	m.SessionEnded("Google", "embedded-window", "resolved")
	m.ObserveExchange("Google", "exchange", "ok", time.Second)
	m.RefreshDone("Google", "ok")
	m.EventDropped("login-success")
	if m.Registry() != nil {
		t.Error("nil Metrics has a registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSessionGaugeAndOutcomes(t *testing.T) {
	m := New()
	m.SessionStarted("Google", "embedded-window")
	m.SessionStarted("Google", "embedded-window")
	m.SessionEnded("Google", "embedded-window", "resolved")

	if got := testutil.ToFloat64(m.sessionsActive.WithLabelValues("Google", "embedded-window")); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionOutcomes.WithLabelValues("Google", "resolved")); got != 1 {
		t.Errorf("session_outcomes_total = %v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RefreshDone("Github", "rejected")
	m.ObserveExchange("Github", "refresh", "invalid_grant", 120*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`kirodesk_token_refreshes_total{provider="Github",result="rejected"} 1`,
		`kirodesk_token_exchange_duration_seconds_count{op="refresh",provider="Github",result="invalid_grant"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

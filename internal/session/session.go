package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/provider"
)

// Status is the lifecycle position of an AuthSession.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingCallback Status = "awaiting-callback"
	StatusCompleting       Status = "completing"
	StatusResolved         Status = "resolved"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// stateBytes is the entropy of a state nonce.
const stateBytes = 32

// windowLabelPrefix prefixes embedded window labels.
const windowLabelPrefix = "oauth-"

// authSession is one login attempt. Fields below mu-guarded are only touched with
// Manager.mu held.
type authSession struct {
	id        string
	provider  provider.Config
	state     string
	verifier  string
	label     string
	mode      browser.Mode
	createdAt time.Time
	expiresAt time.Time

	// cancel stops the background work of a device session.
	cancel context.CancelFunc

	// mu-guarded
	status       Status
	callbackSeen bool
	lastErr      error
}

func newAuthSession(p provider.Config, mode browser.Mode, now time.Time, ttl time.Duration) (*authSession, error) {
	state, err := randomURLSafe(stateBytes)
	if err != nil {
		return nil, err
	}
	s := &authSession{
		id:        uuid.NewString(),
		provider:  p,
		state:     state,
		mode:      mode,
		createdAt: now,
		expiresAt: now.Add(ttl),
		status:    StatusPending,
	}
	if p.PKCE {
		s.verifier = oauth2.GenerateVerifier()
	}
	if mode == browser.ModeEmbedded {
		s.label = windowLabelPrefix + uuid.NewString()
	}
	return s, nil
}

func (s *authSession) active() bool {
	return s.status == StatusPending || s.status == StatusAwaitingCallback
}

func (s *authSession) expired(now time.Time) bool {
	return !now.Before(s.expiresAt)
}

func (s *authSession) info() Info {
	info := Info{
		ID:          s.id,
		Provider:    s.provider.ID,
		WindowLabel: s.label,
		Mode:        s.mode,
		Status:      s.status,
		CreatedAt:   s.createdAt,
		ExpiresAt:   s.expiresAt,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Info is a read-only snapshot of a session. The state nonce is not included.
type Info struct {
	ID          string       `json:"id"`
	Provider    provider.ID  `json:"provider"`
	WindowLabel string       `json:"windowLabel,omitempty"`
	Mode        browser.Mode `json:"mode"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	LastError   string       `json:"lastError,omitempty"`
}

// WindowLogin is the result of LoginWithWindow. The label is sent under both spellings
// the UI reads.
type WindowLogin struct {
	WindowLabel string `json:"windowLabel"`
	State       string `json:"state"`
}

// MarshalJSON adds the snake_case window_label alias.
func (w WindowLogin) MarshalJSON() ([]byte, error) {
	type alias WindowLogin
	return json.Marshal(struct {
		alias
		Label string `json:"window_label"`
	}{alias(w), w.WindowLabel})
}

// LoginResult is returned by Complete and carried by the login-success event.
type LoginResult struct {
	AccountID   string      `json:"accountId"`
	Provider    provider.ID `json:"provider"`
	Email       string      `json:"email,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	ExpiresAt   time.Time   `json:"expiresAt,omitzero"`
	Message     string      `json:"message"`
}

// LoginFailure is the payload of the login-failed event.
type LoginFailure struct {
	Provider provider.ID `json:"provider"`
	Error    string      `json:"error"`
	Kind     string      `json:"kind"`
}

// DeviceCode is the payload of the web-oauth-device-code event.
type DeviceCode struct {
	Provider                provider.ID `json:"provider"`
	UserCode                string      `json:"userCode"`
	VerificationURI         string      `json:"verificationUri"`
	VerificationURIComplete string      `json:"verificationUriComplete,omitempty"`
	ExpiresAt               time.Time   `json:"expiresAt,omitzero"`
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

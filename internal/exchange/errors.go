package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/provider"
)

var (
	// ErrNetwork is a transport failure or timeout. The caller may restart the flow.
	ErrNetwork = errors.New("network error")

	// ErrInvalidGrant means the authorization code or refresh token is expired, reused
	// or revoked. Not retryable.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrProvider is any other upstream failure; the provider's message is passed through.
	ErrProvider = errors.New("provider error")
)

// OAuth2 error codes treated as a dead grant.
var deadGrantCodes = map[string]bool{
	"invalid_grant": true,
	"expired_token": true,
	"access_denied": true,
}

// Error describes a failed token endpoint call.
type Error struct {
	Op       string // exchange, refresh, device_auth, device_token
	Provider provider.ID
	Kind     error // ErrNetwork, ErrInvalidGrant or ErrProvider
	Message  string
	Status   int // HTTP status when the provider answered
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap exposes both the failure class and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify maps an oauth2 or transport error onto the failure taxonomy.
func classify(op string, id provider.ID, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := &Error{Op: op, Provider: id, Kind: ErrProvider, Message: retrieveMessage(re), Err: err}
		if re.Response != nil {
			e.Status = re.Response.StatusCode
		}
		if deadGrantCodes[re.ErrorCode] {
			e.Kind = ErrInvalidGrant
		}
		return e
	}

	if isNetworkError(err) {
		return &Error{Op: op, Provider: id, Kind: ErrNetwork, Message: err.Error(), Err: err}
	}

	return &Error{Op: op, Provider: id, Kind: ErrProvider, Message: err.Error(), Err: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// retrieveMessage extracts the human-readable part of a token endpoint error response.
func retrieveMessage(re *oauth2.RetrieveError) string {
	switch {
	case re.ErrorDescription != "":
		return re.ErrorDescription
	case re.ErrorCode != "":
		return re.ErrorCode
	}

	body := strings.TrimSpace(string(re.Body))
	if len(body) > 256 {
		body = body[:256]
	}
	if body != "" {
		return body
	}
	if re.Response != nil {
		return re.Response.Status
	}
	return "token endpoint error"
}

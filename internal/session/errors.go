package session

import (
	"errors"

	"github.com/florianilch/kirodesk/internal/exchange"
	"github.com/florianilch/kirodesk/internal/identity"
	"github.com/florianilch/kirodesk/internal/provider"
)

var (
	// ErrInvalidCallback means the callback URL is malformed or lacks code or state.
	ErrInvalidCallback = errors.New("invalid callback")

	// ErrUnknownOrExpiredState means no session awaits a callback for the state: it never
	// existed, was already completed or cancelled, or timed out.
	ErrUnknownOrExpiredState = errors.New("unknown or expired state")

	// ErrNoStoredToken means the account is unknown or holds no refresh token.
	ErrNoStoredToken = errors.New("no stored token")

	// ErrRefreshRejected means the provider invalidated the refresh token. The caller
	// must run a full login again.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Kind names the failure class of err as reported to the UI.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provider.ErrUnsupported):
		return "UnsupportedProvider"
	case errors.Is(err, ErrInvalidCallback):
		return "InvalidCallback"
	case errors.Is(err, ErrUnknownOrExpiredState):
		return "UnknownOrExpiredState"
	case errors.Is(err, ErrNoStoredToken):
		return "NoStoredToken"
	case errors.Is(err, ErrRefreshRejected):
		return "RefreshRejected"
	case errors.Is(err, exchange.ErrInvalidGrant):
		return "InvalidGrant"
	case errors.Is(err, exchange.ErrNetwork):
		return "NetworkError"
	case errors.Is(err, exchange.ErrProvider), errors.Is(err, identity.ErrUnverifiedIDToken):
		return "ProviderError"
	default:
		return "Internal"
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return Kind(err)
}

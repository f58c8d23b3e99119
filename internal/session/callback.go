package session

import (
	"fmt"
	"net/url"
	"strings"
)

// Callback is the parsed redirect of an authorization request.
type Callback struct {
	Code  string
	State string
}

// ParseCallback extracts code and state from a redirect URL. Parameters are read from the
// query, or from the fragment when the query carries none. A provider error response is
// reported as ErrInvalidCallback carrying the provider's message.
func ParseCallback(raw string) (Callback, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Callback{}, fmt.Errorf("%w: empty callback url", ErrInvalidCallback)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Callback{}, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	if u.Scheme == "" {
		return Callback{}, fmt.Errorf("%w: not an absolute url", ErrInvalidCallback)
	}

	params := u.Query()
	if !params.Has("code") && !params.Has("state") && !params.Has("error") && u.Fragment != "" {
		if fragment, err := url.ParseQuery(u.Fragment); err == nil {
			params = fragment
		}
	}

	if code := params.Get("error"); code != "" {
		msg := code
		if desc := params.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		return Callback{}, fmt.Errorf("%w: provider returned %s", ErrInvalidCallback, msg)
	}

	cb := Callback{
		Code:  params.Get("code"),
		State: params.Get("state"),
	}
	switch {
	case cb.Code == "" && cb.State == "":
		return Callback{}, fmt.Errorf("%w: missing code and state", ErrInvalidCallback)
	case cb.Code == "":
		return Callback{}, fmt.Errorf("%w: missing code", ErrInvalidCallback)
	case cb.State == "":
		return Callback{}, fmt.Errorf("%w: missing state", ErrInvalidCallback)
	}
	return cb, nil
}

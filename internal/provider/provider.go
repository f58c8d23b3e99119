package provider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// ID identifies a recognized identity provider. Values match the identifiers the UI sends.
type ID string

const (
	Google    ID = "Google"
	Github    ID = "Github"
	BuilderID ID = "BuilderId"
)

// ErrUnsupported is returned for provider identifiers outside the recognized set,
// or recognized providers that cannot serve the requested flow.
var ErrUnsupported = errors.New("unsupported provider")

// Flow is the OAuth grant a provider is driven with.
type Flow string

const (
	FlowAuthorizationCode Flow = "authorization_code"
	FlowDevice            Flow = "device"
)

// TokenEncoding selects how token endpoint requests are encoded.
type TokenEncoding string

const (
	// EncodingForm is standard application/x-www-form-urlencoded (RFC 6749).
	EncodingForm TokenEncoding = "form"
	// EncodingJSON sends camelCase JSON bodies and accepts camelCase JSON responses,
	// as spoken by the Kiro auth service and AWS SSO OIDC.
	EncodingJSON TokenEncoding = "json"
)

// Parse maps a raw identifier onto the recognized set.
func Parse(raw string) (ID, error) {
	switch id := ID(strings.TrimSpace(raw)); id {
	case Google, Github, BuilderID:
		return id, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, raw)
	}
}

// Config holds the endpoints and client settings for one provider.
type Config struct {
	ID   ID
	Flow Flow

	ClientID     string
	ClientSecret string

	AuthURL       string
	TokenURL      string
	RefreshURL    string // Optional, defaults to TokenURL
	DeviceAuthURL string // Device flow only
	StartURL      string // Device flow only, AWS SSO start URL
	RedirectURL   string

	Scopes        []string
	PKCE          bool
	TokenEncoding TokenEncoding

	// IdP is forwarded as the idp authorization parameter when set.
	IdP string

	// Issuer and JWKSURL enable ID token signature verification.
	Issuer  string
	JWKSURL string
}

// OAuth2 builds the golang.org/x/oauth2 configuration for the provider.
func (c Config) OAuth2() *oauth2.Config {
	authStyle := oauth2.AuthStyleInParams
	if c.ClientSecret != "" && c.TokenEncoding != EncodingJSON {
		authStyle = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.AuthURL,
			TokenURL:      c.TokenURL,
			DeviceAuthURL: c.DeviceAuthURL,
			// Never auto-detect: a failed first attempt would spend the authorization code.
			AuthStyle: authStyle,
		},
	}
}

// RefreshConfig is OAuth2 with the token endpoint pointed at RefreshURL when one is set.
func (c Config) RefreshConfig() *oauth2.Config {
	cfg := c.OAuth2()
	if c.RefreshURL != "" {
		cfg.Endpoint.TokenURL = c.RefreshURL
	}
	return cfg
}

// AuthCodeURL returns the authorization URL embedding state and, for PKCE providers,
// the S256 challenge derived from verifier.
func (c Config) AuthCodeURL(state, verifier string) string {
	var opts []oauth2.AuthCodeOption
	if c.PKCE && verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if c.IdP != "" {
		opts = append(opts, oauth2.SetAuthURLParam("idp", c.IdP))
	}
	return c.OAuth2().AuthCodeURL(state, opts...)
}

// CallbackMatches reports whether target points at the provider's redirect URI:
// same scheme and host, path under the redirect path.
func (c Config) CallbackMatches(target *url.URL) bool {
	if target == nil || c.RedirectURL == "" {
		return false
	}
	redirect, err := url.Parse(c.RedirectURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(target.Scheme, redirect.Scheme) || !strings.EqualFold(target.Host, redirect.Host) {
		return false
	}
	return strings.HasPrefix(target.Path, redirect.Path)
}

// Validate checks that the endpoints required by the provider's flow are present.
func (c Config) Validate() error {
	if _, err := Parse(string(c.ID)); err != nil {
		return err
	}
	switch c.Flow {
	case FlowAuthorizationCode:
		if c.AuthURL == "" || c.TokenURL == "" {
			return fmt.Errorf("provider %s: auth_url and token_url are required", c.ID)
		}
		if c.RedirectURL == "" {
			return fmt.Errorf("provider %s: redirect_url is required", c.ID)
		}
		if _, err := url.Parse(c.RedirectURL); err != nil {
			return fmt.Errorf("provider %s: invalid redirect_url: %w", c.ID, err)
		}
	case FlowDevice:
		if c.DeviceAuthURL == "" || c.TokenURL == "" {
			return fmt.Errorf("provider %s: device_auth_url and token_url are required", c.ID)
		}
		if c.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required for the device flow", c.ID)
		}
	default:
		return fmt.Errorf("provider %s: unknown flow %q", c.ID, c.Flow)
	}
	switch c.TokenEncoding {
	case EncodingForm, EncodingJSON:
	default:
		return fmt.Errorf("provider %s: unknown token encoding %q", c.ID, c.TokenEncoding)
	}
	return nil
}

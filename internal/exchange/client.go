package exchange

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/provider"
)

// DefaultTimeout bounds a single token endpoint call.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent identifies the client to token endpoints.
const DefaultUserAgent = "kirodesk"

const tracerName = "github.com/florianilch/kirodesk/internal/exchange"

// Option configures a Client.
type Option func(*Client)

// WithTransport sets a custom base transport for token endpoint requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.baseTransport = transport
	}
}

// WithTimeout sets the per-call timeout. Calls exceeding it fail with ErrNetwork.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithUserAgent sets the User-Agent sent to token endpoints.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client talks to provider token endpoints. It is stateless and safe for concurrent use.
type Client struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
	userAgent     string
	tracer        trace.Tracer
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
		userAgent:     DefaultUserAgent,
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exchange trades an authorization code for tokens. verifier is the PKCE code verifier
// and must be empty for providers without PKCE.
func (c *Client) Exchange(ctx context.Context, p provider.Config, code, verifier string) (credential.Token, error) {
	ctx, span := c.start(ctx, "exchange", p)
	defer span.End()

	ctx, cancel := context.WithTimeout(c.oauthContext(ctx, p), c.timeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := p.OAuth2().Exchange(ctx, code, opts...)
	if err != nil {
		return credential.Token{}, c.fail(span, classify("exchange", p.ID, err))
	}
	return credential.FromOAuth2(p.ID, tok), nil
}

// Refresh obtains a new token set from a refresh token.
func (c *Client) Refresh(ctx context.Context, p provider.Config, refreshToken string) (credential.Token, error) {
	ctx, span := c.start(ctx, "refresh", p)
	defer span.End()

	if refreshToken == "" {
		return credential.Token{}, c.fail(span, &Error{Op: "refresh", Provider: p.ID, Kind: ErrInvalidGrant, Message: "missing refresh token"})
	}

	ctx, cancel := context.WithTimeout(c.oauthContext(ctx, p), c.timeout)
	defer cancel()

	// An expired token forces the token source to refresh on the first call.
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := p.RefreshConfig().TokenSource(ctx, expired).Token()
	if err != nil {
		return credential.Token{}, c.fail(span, classify("refresh", p.ID, err))
	}
	return credential.FromOAuth2(p.ID, tok), nil
}

// DeviceAuth starts the device authorization grant.
func (c *Client) DeviceAuth(ctx context.Context, p provider.Config) (*oauth2.DeviceAuthResponse, error) {
	ctx, span := c.start(ctx, "device_auth", p)
	defer span.End()

	ctx, cancel := context.WithTimeout(c.oauthContext(ctx, p), c.timeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if p.ClientSecret != "" {
		opts = append(opts, oauth2.SetAuthURLParam("client_secret", p.ClientSecret))
	}
	if p.StartURL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("start_url", p.StartURL))
	}

	resp, err := p.OAuth2().DeviceAuth(ctx, opts...)
	if err != nil {
		return nil, c.fail(span, classify("device_auth", p.ID, err))
	}
	return resp, nil
}

// DeviceToken polls the token endpoint until the user approves the device code, the
// code expires or ctx is done. It is not bounded by the per-call timeout.
func (c *Client) DeviceToken(ctx context.Context, p provider.Config, da *oauth2.DeviceAuthResponse) (credential.Token, error) {
	ctx, span := c.start(ctx, "device_token", p)
	defer span.End()

	tok, err := p.OAuth2().DeviceAccessToken(c.oauthContext(ctx, p), da)
	if err != nil {
		return credential.Token{}, c.fail(span, classify("device_token", p.ID, err))
	}
	return credential.FromOAuth2(p.ID, tok), nil
}

// oauthContext injects the HTTP client for the provider's token encoding.
// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key).
func (c *Client) oauthContext(ctx context.Context, p provider.Config) context.Context {
	var transport http.RoundTripper = &headerTransport{base: c.baseTransport, userAgent: c.userAgent}
	if p.TokenEncoding == provider.EncodingJSON {
		transport = &jsonTokenTransport{base: transport}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport})
}

func (c *Client) start(ctx context.Context, op string, p provider.Config) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "oauth."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oauth.provider", string(p.ID))),
	)
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, errorKind(err))
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidGrant):
		return ErrInvalidGrant.Error()
	case errors.Is(err, ErrNetwork):
		return ErrNetwork.Error()
	default:
		return ErrProvider.Error()
	}
}

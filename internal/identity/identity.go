// Package identity derives the account identity (subject, email, display name) from a
// freshly exchanged token.
//
// ID tokens of providers configured with an issuer and a JWKS URL are verified with
// go-oidc before their claims are trusted. For other providers the claims are read
// without verification from the ID token, then the access token. The token was just
// received from the provider's token endpoint over TLS, so the claims only label the
// account and never authorize anything.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/provider"
)

// ErrUnverifiedIDToken is returned when a provider configured for verification issues
// an ID token that fails signature or claim checks.
var ErrUnverifiedIDToken = errors.New("id token verification failed")

// Identity is who a token belongs to.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

type claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Username          string `json:"username"`
}

func (c claims) identity() Identity {
	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}
	if name == "" {
		name = c.Username
	}
	return Identity{Subject: c.Subject, Email: c.Email, Name: name}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithKeySet overrides the key set used to verify ID tokens of one provider.
func WithKeySet(id provider.ID, keySet oidc.KeySet) Option {
	return func(r *Resolver) {
		r.keySets[id] = keySet
	}
}

// WithVerifierConfig overrides the go-oidc verifier settings for all providers.
func WithVerifierConfig(cfg oidc.Config) Option {
	return func(r *Resolver) {
		r.verifierConfig = &cfg
	}
}

// Resolver resolves identities. Safe for concurrent use.
type Resolver struct {
	keySets        map[provider.ID]oidc.KeySet
	verifierConfig *oidc.Config
	verifiers      map[provider.ID]*oidc.IDTokenVerifier
	parser         *jwt.Parser
}

// NewResolver builds verifiers for every provider with an issuer. The remote key sets
// fetch keys lazily on first verification, bound to ctx.
func NewResolver(ctx context.Context, providers []provider.Config, opts ...Option) *Resolver {
	r := &Resolver{
		keySets:   make(map[provider.ID]oidc.KeySet),
		verifiers: make(map[provider.ID]*oidc.IDTokenVerifier),
		parser:    jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, p := range providers {
		if p.Issuer == "" {
			continue
		}
		keySet, ok := r.keySets[p.ID]
		if !ok {
			if p.JWKSURL == "" {
				continue
			}
			keySet = oidc.NewRemoteKeySet(ctx, p.JWKSURL)
		}

		cfg := oidc.Config{ClientID: p.ClientID, SkipClientIDCheck: p.ClientID == ""}
		if r.verifierConfig != nil {
			cfg = *r.verifierConfig
		}
		r.verifiers[p.ID] = oidc.NewVerifier(p.Issuer, keySet, &cfg)
	}
	return r
}

// Resolve returns the identity the token belongs to. When no subject can be found the
// identity gets a random subject, so the login still yields a distinct account.
func (r *Resolver) Resolve(ctx context.Context, tok credential.Token) (Identity, error) {
	if verifier, ok := r.verifiers[tok.Provider]; ok && tok.IDToken != "" {
		idToken, err := verifier.Verify(ctx, tok.IDToken)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrUnverifiedIDToken, err)
		}
		var c claims
		if err := idToken.Claims(&c); err != nil {
			return Identity{}, fmt.Errorf("%w: decoding claims: %w", ErrUnverifiedIDToken, err)
		}
		if c.Subject == "" {
			c.Subject = uuid.NewString()
		}
		return c.identity(), nil
	}

	for _, raw := range []string{tok.IDToken, tok.AccessToken} {
		if c, ok := r.unverified(raw); ok {
			return c.identity(), nil
		}
	}

	slog.WarnContext(ctx, "token carries no subject claim, assigning a random account subject",
		"provider", tok.Provider)
	return Identity{Subject: uuid.NewString()}, nil
}

func (r *Resolver) unverified(raw string) (claims, bool) {
	if raw == "" {
		return claims{}, false
	}
	mc := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(raw, mc); err != nil {
		return claims{}, false
	}
	sub, _ := mc.GetSubject()
	if sub == "" {
		return claims{}, false
	}
	c := claims{Subject: sub}
	c.Email, _ = mc["email"].(string)
	c.Name, _ = mc["name"].(string)
	c.PreferredUsername, _ = mc["preferred_username"].(string)
	c.Username, _ = mc["username"].(string)
	return c, true
}

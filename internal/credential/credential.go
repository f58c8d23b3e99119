// Package credential defines the Account and Token records persisted by the token store.
package credential

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/provider"
)

// expiryDelta mirrors oauth2's early-expiry window so Valid agrees with oauth2.Token.Valid.
const expiryDelta = 10 * time.Second

// Token is the OAuth token set held for one account.
type Token struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	IDToken      string      `json:"idToken,omitempty"`
	TokenType    string      `json:"tokenType,omitempty"`
	Expiry       time.Time   `json:"expiresAt,omitzero"`
	Provider     provider.ID `json:"provider"`
	Scopes       []string    `json:"scopes,omitempty"`
	// ProfileArn is returned by the Kiro auth service for social sign-ins.
	ProfileArn string `json:"profileArn,omitempty"`
}

// FromOAuth2 converts a token endpoint response into a Token.
func FromOAuth2(id provider.ID, t *oauth2.Token) Token {
	tok := Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Provider:     id,
	}
	if !t.Expiry.IsZero() {
		tok.Expiry = t.Expiry.UTC().Truncate(time.Second)
	}
	if v, ok := t.Extra("id_token").(string); ok {
		tok.IDToken = v
	}
	if v, ok := t.Extra("profile_arn").(string); ok {
		tok.ProfileArn = v
	}
	if v, ok := t.Extra("scope").(string); ok && v != "" {
		tok.Scopes = strings.Fields(v)
	}
	return tok
}

// OAuth2 returns the token in golang.org/x/oauth2 form.
func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

// Valid reports whether the access token is present and not about to expire.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(expiryDelta).Before(t.Expiry)
}

// Clone returns a deep copy.
func (t Token) Clone() Token {
	t.Scopes = slices.Clone(t.Scopes)
	return t
}

// Merge returns next with fields the provider omitted on refresh carried over from t.
// Refresh responses commonly leave out the ID token, profile and scopes.
func (t Token) Merge(next Token) Token {
	next = next.Clone()
	if next.RefreshToken == "" {
		next.RefreshToken = t.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = t.IDToken
	}
	if next.ProfileArn == "" {
		next.ProfileArn = t.ProfileArn
	}
	if len(next.Scopes) == 0 {
		next.Scopes = slices.Clone(t.Scopes)
	}
	if next.Provider == "" {
		next.Provider = t.Provider
	}
	return next
}

// Account is a signed-in identity and the token that belongs to it.
type Account struct {
	ID          string      `json:"id"`
	Provider    provider.ID `json:"provider"`
	Subject     string      `json:"subject"`
	Email       string      `json:"email,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Token       Token       `json:"token"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// AccountID derives the stable account identifier for a provider subject.
func AccountID(id provider.ID, subject string) string {
	return strings.ToLower(string(id)) + ":" + subject
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	a.Token = a.Token.Clone()
	return a
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/florianilch/kirodesk/internal/credential"
	"github.com/florianilch/kirodesk/internal/exchange"
	"github.com/florianilch/kirodesk/internal/provider"
	"github.com/florianilch/kirodesk/internal/tokenstore"
)

// AccountSummary describes a stored account without its secrets.
type AccountSummary struct {
	ID              string      `json:"id"`
	Provider        provider.ID `json:"provider"`
	Email           string      `json:"email,omitempty"`
	DisplayName     string      `json:"displayName,omitempty"`
	ExpiresAt       time.Time   `json:"expiresAt,omitzero"`
	HasRefreshToken bool        `json:"hasRefreshToken"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func summarize(a credential.Account) AccountSummary {
	return AccountSummary{
		ID:              a.ID,
		Provider:        a.Provider,
		Email:           a.Email,
		DisplayName:     a.DisplayName,
		ExpiresAt:       a.Token.Expiry,
		HasRefreshToken: a.Token.RefreshToken != "",
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// storeAccount resolves who tok belongs to and upserts the account, keeping its creation
// time when it already exists.
func (m *Manager) storeAccount(ctx context.Context, tok credential.Token) (credential.Account, error) {
	who, err := m.identities.Resolve(ctx, tok)
	if err != nil {
		return credential.Account{}, fmt.Errorf("resolving identity: %w", err)
	}

	now := m.now().UTC()
	acct := credential.Account{
		ID:          credential.AccountID(tok.Provider, who.Subject),
		Provider:    tok.Provider,
		Subject:     who.Subject,
		Email:       who.Email,
		DisplayName: who.Name,
		Token:       tok,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	existing, err := m.store.Get(ctx, acct.ID)
	switch {
	case err == nil:
		acct.CreatedAt = existing.CreatedAt
	case !errors.Is(err, tokenstore.ErrNotFound):
		return credential.Account{}, fmt.Errorf("reading account: %w", err)
	}

	if err := m.store.Put(ctx, acct); err != nil {
		return credential.Account{}, fmt.Errorf("storing account: %w", err)
	}
	return acct, nil
}

// Refresh exchanges the account's refresh token for a new token set and replaces the
// stored token. Concurrent calls for one account share a single token endpoint call.
// A rejected refresh token leaves the stored account untouched.
func (m *Manager) Refresh(ctx context.Context, accountID string) (credential.Token, error) {
	v, err, shared := m.refreshG.Do(accountID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), accountID)
	})
	if err != nil {
		return credential.Token{}, err
	}
	if shared {
		slog.DebugContext(ctx, "joined in-flight refresh", "account_id", accountID)
	}
	return v.(credential.Token).Clone(), nil
}

func (m *Manager) refresh(ctx context.Context, accountID string) (credential.Token, error) {
	acct, err := m.store.Get(ctx, accountID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return credential.Token{}, fmt.Errorf("%w: account %q", ErrNoStoredToken, accountID)
	}
	if err != nil {
		return credential.Token{}, fmt.Errorf("reading account: %w", err)
	}
	if acct.Token.RefreshToken == "" {
		return credential.Token{}, fmt.Errorf("%w: account %q has no refresh token", ErrNoStoredToken, accountID)
	}

	p, err := m.providers.Get(string(acct.Provider))
	if err != nil {
		return credential.Token{}, err
	}

	started := time.Now()
	fresh, err := m.exchanger.Refresh(ctx, p, acct.Token.RefreshToken)
	m.metrics.ObserveExchange(string(p.ID), "refresh", resultLabel(err), time.Since(started))
	if err != nil {
		if errors.Is(err, exchange.ErrInvalidGrant) {
			m.metrics.RefreshDone(string(p.ID), "rejected")
			slog.WarnContext(ctx, "refresh token rejected", "account_id", accountID, "provider", p.ID)
			return credential.Token{}, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		m.metrics.RefreshDone(string(p.ID), "error")
		return credential.Token{}, err
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	// Re-read so a concurrent login or logout is not overwritten.
	current, err := m.store.Get(ctx, accountID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return credential.Token{}, fmt.Errorf("%w: account %q was removed during refresh", ErrNoStoredToken, accountID)
	}
	if err != nil {
		return credential.Token{}, fmt.Errorf("reading account: %w", err)
	}

	current.Token = current.Token.Merge(fresh)
	current.UpdatedAt = m.now().UTC()
	if err := m.store.Put(ctx, current); err != nil {
		m.metrics.RefreshDone(string(p.ID), "error")
		return credential.Token{}, fmt.Errorf("storing refreshed token: %w", err)
	}

	m.metrics.RefreshDone(string(p.ID), "ok")
	slog.InfoContext(ctx, "token refreshed", "account_id", accountID, "provider", p.ID, "expires_at", current.Token.Expiry)
	return current.Token, nil
}

// Accounts lists the stored accounts.
func (m *Manager) Accounts(ctx context.Context) ([]AccountSummary, error) {
	accounts, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]AccountSummary, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, summarize(a))
	}
	return out, nil
}

// Account returns one stored account including its token.
func (m *Manager) Account(ctx context.Context, accountID string) (credential.Account, error) {
	acct, err := m.store.Get(ctx, accountID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return credential.Account{}, fmt.Errorf("%w: account %q", ErrNoStoredToken, accountID)
	}
	return acct, err
}

// Logout deletes a stored account.
func (m *Manager) Logout(ctx context.Context, accountID string) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	if _, err := m.store.Get(ctx, accountID); err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return fmt.Errorf("%w: account %q", ErrNoStoredToken, accountID)
		}
		return fmt.Errorf("reading account: %w", err)
	}
	if err := m.store.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	slog.InfoContext(ctx, "account removed", "account_id", accountID)
	return nil
}

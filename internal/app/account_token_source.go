package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/kirodesk/internal/credential"
)

// AccountSource reads and refreshes stored accounts. Implemented by session.Manager.
type AccountSource interface {
	Account(ctx context.Context, accountID string) (credential.Account, error)
	Refresh(ctx context.Context, accountID string) (credential.Token, error)
}

// AccountTokenSource serves the access token of one stored account, refreshing it
// through the session manager when it expires. Refreshed tokens are persisted by the
// manager, so every process sharing the store sees them.
type AccountTokenSource struct {
	accounts  AccountSource
	accountID string
	now       func() time.Time

	initial func() (credential.Token, error)

	current   atomic.Pointer[credential.Token]
	refreshMu sync.Mutex
}

// Compile-time check to ensure AccountTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*AccountTokenSource)(nil)

// NewAccountTokenSource creates an AccountTokenSource.
// No I/O is performed until the first Token call.
func NewAccountTokenSource(accounts AccountSource, accountID string) (*AccountTokenSource, error) {
	if accounts == nil {
		return nil, fmt.Errorf("missing account source")
	}
	if accountID == "" {
		return nil, fmt.Errorf("missing account id")
	}

	s := &AccountTokenSource{
		accounts:  accounts,
		accountID: accountID,
		now:       time.Now,
	}
	s.initial = sync.OnceValues(s.load)
	return s, nil
}

// load performs the one-time read of the stored token.
func (s *AccountTokenSource) load() (credential.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	acct, err := s.accounts.Account(context.Background(), s.accountID)
	if err != nil {
		return credential.Token{}, fmt.Errorf("failed to read stored account: %w", err)
	}
	tok := acct.Token
	s.current.Store(&tok)
	return tok, nil
}

// Token returns a valid access token, refreshing it if it has expired.
func (s *AccountTokenSource) Token() (*oauth2.Token, error) {
	if _, err := s.initial(); err != nil {
		return nil, err
	}

	// Hot path: lock-free atomic read for minimal contention
	if tok := s.current.Load(); tok != nil && tok.Valid(s.now()) {
		return tok.OAuth2(), nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited
	if tok := s.current.Load(); tok != nil && tok.Valid(s.now()) {
		return tok.OAuth2(), nil
	}

	ctx := context.Background()
	fresh, err := s.accounts.Refresh(ctx, s.accountID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to refresh account token", "account_id", s.accountID, "error", err)
		return nil, fmt.Errorf("refreshing account %s: %w", s.accountID, err)
	}
	s.current.Store(&fresh)
	return fresh.OAuth2(), nil
}

package tokenstore

import (
	"context"
	"errors"

	"github.com/florianilch/kirodesk/internal/credential"
)

// ErrNotFound is returned by Get when no account is stored under the id.
var ErrNotFound = errors.New("account not found")

// TokenStore reads and writes accounts to persistent storage.
type TokenStore interface {
	// Get returns the stored account. Returns ErrNotFound if absent.
	Get(ctx context.Context, accountID string) (credential.Account, error)

	// Put stores the account, replacing any previous record with the same id.
	Put(ctx context.Context, account credential.Account) error

	// Delete removes the account. Deleting an unknown id is not an error.
	Delete(ctx context.Context, accountID string) error

	// List returns all stored accounts ordered by id.
	List(ctx context.Context) ([]credential.Account, error)
}

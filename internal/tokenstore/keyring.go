package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/florianilch/kirodesk/internal/credential"
)

// keyringIndexUser names the keyring entry that lists stored account ids.
// Keyrings cannot enumerate entries, so List depends on it.
const keyringIndexUser = "kirodesk:accounts"

// KeyringStore provides OS-native secure credential storage for accounts.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each account is one keyring secret, so a write replaces it in a single call.
type KeyringStore struct {
	service string

	// indexMu serializes read-modify-write cycles on the index entry.
	indexMu sync.Mutex
}

// Compile-time check to ensure KeyringStore implements TokenStore
var _ TokenStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// using the given service name.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	return &KeyringStore{
		service: service,
	}, nil
}

// Get returns the account from the system keyring. Returns ErrNotFound if absent.
func (k *KeyringStore) Get(ctx context.Context, accountID string) (credential.Account, error) {
	if err := ctx.Err(); err != nil {
		return credential.Account{}, err
	}

	secret, err := keyring.Get(k.service, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return credential.Account{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return credential.Account{}, err
	}

	if secret == "" {
		return credential.Account{}, fmt.Errorf("empty secret in keyring for service %s, account %s", k.service, accountID)
	}

	return decodeAccount([]byte(secret), nil)
}

// Put persists the account to the system keyring, overwriting any existing value.
func (k *KeyringStore) Put(ctx context.Context, account credential.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAccount(account); err != nil {
		return err
	}

	data, err := encodeAccount(account, nil)
	if err != nil {
		return err
	}
	if err := keyring.Set(k.service, account.ID, string(data)); err != nil {
		return err
	}

	return k.updateIndex(func(ids []string) []string {
		if slices.Contains(ids, account.ID) {
			return ids
		}
		return append(ids, account.ID)
	})
}

// Delete removes the account secret and its index entry.
func (k *KeyringStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, accountID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}

	return k.updateIndex(func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool { return id == accountID })
	})
}

// List returns every account named in the index. Entries removed outside this
// process are skipped.
func (k *KeyringStore) List(ctx context.Context) ([]credential.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.indexMu.Lock()
	ids, err := k.readIndex()
	k.indexMu.Unlock()
	if err != nil {
		return nil, err
	}

	accounts := make([]credential.Account, 0, len(ids))
	for _, id := range ids {
		account, err := k.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	sortAccounts(accounts)
	return accounts, nil
}

func (k *KeyringStore) readIndex() ([]string, error) {
	raw, err := keyring.Get(k.service, keyringIndexUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring index: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}
	return ids, nil
}

func (k *KeyringStore) updateIndex(update func([]string) []string) error {
	k.indexMu.Lock()
	defer k.indexMu.Unlock()

	ids, err := k.readIndex()
	if err != nil {
		return err
	}

	data, err := json.Marshal(update(ids))
	if err != nil {
		return err
	}
	return keyring.Set(k.service, keyringIndexUser, string(data))
}

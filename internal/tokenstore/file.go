package tokenstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/florianilch/kirodesk/internal/credential"
)

const accountFileExt = ".json"

// FileStore provides atomic file-based account storage with secure permissions.
// Each account lives in its own file; writes use temp file + rename for crash safety.
type FileStore struct {
	dir    string
	sealer Sealer
}

// Compile-time check to ensure FileStore implements TokenStore
var _ TokenStore = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating it with 0700 permissions
// if it doesn't exist. sealer may be nil to store plain JSON.
func NewFileStore(dir string, sealer Sealer) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		dir:    dir,
		sealer: sealer,
	}, nil
}

// path maps an account id onto a file name that is safe on every platform.
func (f *FileStore) path(accountID string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(accountID))+accountFileExt)
}

// Get returns the stored account. Returns ErrNotFound if the file doesn't exist and
// an error if it has insecure permissions.
func (f *FileStore) Get(ctx context.Context, accountID string) (credential.Account, error) {
	if err := ctx.Err(); err != nil {
		return credential.Account{}, err
	}

	account, err := f.read(f.path(accountID))
	if errors.Is(err, fs.ErrNotExist) {
		return credential.Account{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	return account, err
}

func (f *FileStore) read(path string) (credential.Account, error) {
	// Check file permissions before reading
	info, err := os.Stat(path)
	if err != nil {
		return credential.Account{}, err
	}
	if info.Mode().Perm() != 0600 {
		return credential.Account{}, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return credential.Account{}, err
	}

	return decodeAccount(data, f.sealer)
}

// Put atomically replaces the account file using temp file + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) Put(ctx context.Context, account credential.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAccount(account); err != nil {
		return err
	}

	data, err := encodeAccount(account, f.sealer)
	if err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(f.dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	// CreateTemp already uses 0600, set it explicitly before any secret is written
	if err := tempFile.Chmod(0600); err != nil {
		return err
	}
	if _, err := tempFile.Write(data); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// Atomic rename to final location
	return os.Rename(tempName, f.path(account.ID))
}

// Delete removes the account file. Missing files are ignored.
func (f *FileStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(f.path(accountID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List reads every account file in the directory.
func (f *FileStore) List(ctx context.Context) ([]credential.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	accounts := make([]credential.Account, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), accountFileExt) {
			continue
		}
		account, err := f.read(filepath.Join(f.dir, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between ReadDir and read
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		accounts = append(accounts, account)
	}

	sortAccounts(accounts)
	return accounts, nil
}

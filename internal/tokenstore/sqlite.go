package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/florianilch/kirodesk/internal/credential"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	subject    TEXT NOT NULL,
	record     BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS accounts_provider ON accounts (provider);
`

// SQLiteStore keeps accounts in an embedded SQLite database. The whole account record
// is one column of one row, so an upsert replaces it atomically.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
}

// Compile-time check to ensure SQLiteStore implements TokenStore
var _ TokenStore = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (and creates if needed) the database at path.
func OpenSQLiteStore(path string, sealer Sealer) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0700); err != nil {
		return nil, err
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := os.Chmod(cleanPath, 0600); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, sealer: sealer}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the stored account. Returns ErrNotFound if absent.
func (s *SQLiteStore) Get(ctx context.Context, accountID string) (credential.Account, error) {
	if err := ctx.Err(); err != nil {
		return credential.Account{}, err
	}

	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM accounts WHERE id = ?`, accountID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Account{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return credential.Account{}, fmt.Errorf("get account: %w", err)
	}

	return decodeAccount(record, s.sealer)
}

// Put inserts or replaces the account row.
func (s *SQLiteStore) Put(ctx context.Context, account credential.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAccount(account); err != nil {
		return err
	}

	record, err := encodeAccount(account, s.sealer)
	if err != nil {
		return err
	}

	updatedAt := account.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO accounts (id, provider, subject, record, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	provider = excluded.provider,
	subject = excluded.subject,
	record = excluded.record,
	updated_at = excluded.updated_at
`,
		account.ID,
		string(account.Provider),
		account.Subject,
		record,
		updatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// Delete removes the account row.
func (s *SQLiteStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// List returns all accounts ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]credential.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []credential.Account
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		account, err := decodeAccount(record, s.sealer)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	sortAccounts(accounts)
	return accounts, nil
}

// internal/storage/sqlite/sqlite.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/storage"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    access_token      TEXT    NOT NULL,
    refresh_token     TEXT    NOT NULL DEFAULT '',
    access_expires_at INTEGER NOT NULL DEFAULT 0,
    saved_at          INTEGER NOT NULL
);
`

// Store keeps the single session's tokens in one row of a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ storage.CredentialStore = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	logger.Debug("Credential store opened", zap.String("dsn", dsn))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Load(ctx context.Context) (*storage.Credentials, error) {
	var (
		creds     storage.Credentials
		expiresAt int64
		savedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, access_expires_at, saved_at FROM credentials WHERE id = 1`,
	).Scan(&creds.AccessToken, &creds.RefreshToken, &expiresAt, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load credentials: %w", err)
	}
	if expiresAt > 0 {
		creds.AccessExpiresAt = time.UnixMilli(expiresAt).UTC()
	}
	creds.SavedAt = time.UnixMilli(savedAt).UTC()
	return &creds, nil
}

func (s *Store) Save(ctx context.Context, creds storage.Credentials) error {
	if creds.SavedAt.IsZero() {
		creds.SavedAt = time.Now().UTC()
	}
	var expiresAt int64
	if !creds.AccessExpiresAt.IsZero() {
		expiresAt = creds.AccessExpiresAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, access_expires_at, saved_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token      = excluded.access_token,
			refresh_token     = excluded.refresh_token,
			access_expires_at = excluded.access_expires_at,
			saved_at          = excluded.saved_at`,
		creds.AccessToken, creds.RefreshToken, expiresAt, creds.SavedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save credentials: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("sqlite: clear credentials: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

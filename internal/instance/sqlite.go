package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	secret     TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_instances_secret ON instances(secret);
`

// SQLiteStore is a Store backed by a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the instance database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open instance db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init instance schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new instance record.
func (s *SQLiteStore) Create(ctx context.Context, inst Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, secret, name, created_at) VALUES (?, ?, ?, ?)`,
		inst.ID, inst.Secret, inst.Name, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	return nil
}

// RotateSecret replaces the secret for an existing instance.
func (s *SQLiteStore) RotateSecret(ctx context.Context, id, newSecret string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET secret = ? WHERE id = ?`, newSecret, id)
	if err != nil {
		return fmt.Errorf("rotate secret for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Lookup returns the instance with the given id.
func (s *SQLiteStore) Lookup(ctx context.Context, id string) (Instance, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, secret, name, created_at FROM instances WHERE id = ?`, id))
}

// BySecret returns the instance whose current secret matches. The
// lookup is indexed SQL equality: secrets are 256-bit random values, so
// a prefix-timing probe cannot narrow the search space the way it could
// with guessable credentials. MemoryStore scans its candidates anyway
// and uses a constant-time compare there since it costs nothing.
func (s *SQLiteStore) BySecret(ctx context.Context, secret string) (Instance, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, secret, name, created_at FROM instances WHERE secret = ?`, secret))
}

func (s *SQLiteStore) scanOne(row *sql.Row) (Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.Secret, &inst.Name, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	return inst, nil
}

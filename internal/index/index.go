// Package index records what has been written into a mirror so re-runs can
// decide whether an existing file is trusted, verified or fetched again.
package index

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS mirror_files (
	object_key  TEXT PRIMARY KEY,
	size        BIGINT NOT NULL,
	digest      TEXT NOT NULL,
	fetched_at  BIGINT NOT NULL
)`

// Record is one mirrored file.
type Record struct {
	Key       string
	Size      int64
	Digest    string
	FetchedAt time.Time
}

// Store is a SQL-backed mirror index.
type Store struct {
	db *sql.DB
}

// Open connects to the index and creates the table if needed.
// driver is "sqlite" (dsn is a file path or ":memory:") or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported index driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	if driver == "sqlite" {
		// Writers serialize on the file lock anyway.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Digest returns the hex blake2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put records data as the current content of key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirror_files (object_key, size, digest, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (object_key) DO UPDATE
		SET size = excluded.size, digest = excluded.digest, fetched_at = excluded.fetched_at`,
		key, int64(len(data)), Digest(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("index put %s: %w", key, err)
	}
	return nil
}

// Get returns the record for key, or nil if the key was never recorded.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var fetched int64
	err := s.db.QueryRowContext(ctx,
		`SELECT object_key, size, digest, fetched_at FROM mirror_files WHERE object_key = $1`, key,
	).Scan(&rec.Key, &rec.Size, &rec.Digest, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index get %s: %w", key, err)
	}
	rec.FetchedAt = time.Unix(fetched, 0)
	return &rec, nil
}

// Count returns the number of recorded files.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirror_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index count: %w", err)
	}
	return n, nil
}

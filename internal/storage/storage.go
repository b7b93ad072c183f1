// Package storage persists the file store index and the cache table in a
// single sqlite database shared by every run that uses the same store
// directory.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// BlobRecord is the persisted index entry of one stored blob.
type BlobRecord struct {
	Key        string
	Size       int64
	LastAccess time.Time
}

type Storage struct {
	db *sql.DB
}

// New opens (creating when needed) the database at dbPath.
func New(dbPath string) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers across goroutines.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		entry BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blobs_last_access ON blobs(last_access);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutBlob records a blob, refreshing its size and access time when it is
// already known.
func (s *Storage) PutBlob(ctx context.Context, rec BlobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, size, last_access) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET size = excluded.size, last_access = excluded.last_access`,
		rec.Key, rec.Size, rec.LastAccess.UnixNano(),
	)
	return err
}

func (s *Storage) TouchBlob(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blobs SET last_access = ? WHERE key = ?`, at.UnixNano(), key)
	return err
}

func (s *Storage) DeleteBlob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	return err
}

// Blobs lists every indexed blob, least recently used first.
func (s *Storage) Blobs(ctx context.Context) ([]BlobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, size, last_access FROM blobs ORDER BY last_access ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlobRecord
	for rows.Next() {
		var rec BlobRecord
		var at int64
		if err := rows.Scan(&rec.Key, &rec.Size, &at); err != nil {
			return nil, err
		}
		rec.LastAccess = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutEntry stores an encoded cache entry. The last write wins.
func (s *Storage) PutEntry(ctx context.Context, key string, entry []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, entry, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET entry = excluded.entry, created_at = excluded.created_at`,
		key, entry, at.UnixNano(),
	)
	return err
}

// GetEntry returns the encoded entry for key, reporting false when absent.
func (s *Storage) GetEntry(ctx context.Context, key string) ([]byte, bool, error) {
	var entry []byte
	err := s.db.QueryRowContext(ctx, `SELECT entry FROM cache_entries WHERE key = ?`, key).Scan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Storage) DeleteEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// ClearEntries removes every cache entry and returns how many were removed.
func (s *Storage) ClearEntries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountEntries returns the number of cache entries.
func (s *Storage) CountEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	return n, err
}

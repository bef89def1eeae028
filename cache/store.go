// Package cache provides a persistent content-addressed store for
// compiled OMG images, keyed by the SHA-256 digest of the image bytes.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no image has the requested digest.
var ErrNotFound = errors.New("cache: image not found")

// Store is a sqlite-backed image cache. A digest fully identifies an
// image, so Put is idempotent and entries never change in place.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS images (
	digest     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);`

// Open opens (creating if needed) a store at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an image under its digest. Re-putting an existing digest is
// a no-op.
func (s *Store) Put(digest string, name string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO images (digest, name, data, created_at) VALUES (?, ?, ?, ?)`,
		digest, name, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", digest, err)
	}
	return nil
}

// Get retrieves the image bytes for a digest.
func (s *Store) Get(digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM images WHERE digest = ?`, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", digest, err)
	}
	return data, nil
}

// Has reports whether a digest is present.
func (s *Store) Has(digest string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM images WHERE digest = ?`, digest).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: has %s: %w", digest, err)
	}
	return true, nil
}

// Digests lists every stored digest, oldest first.
func (s *Store) Digests() ([]string, error) {
	rows, err := s.db.Query(`SELECT digest FROM images ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("cache: list digests: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("cache: scan digest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune removes entries older than the cutoff and returns how many were
// deleted.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(`DELETE FROM images WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}
	return res.RowsAffected()
}

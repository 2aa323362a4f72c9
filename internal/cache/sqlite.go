// Package cache persists the last committed session lists in SQLite so the
// next start can show them while the first fetch is in flight.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tutorlink/tui/internal/session"
)

type SQLiteCache struct {
	db *sql.DB
}

// Open creates or opens the cache database at path.
func Open(path string) (*SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	c := &SQLiteCache{db: db}
	if err := c.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCache) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bucket_fetches (
		role TEXT NOT NULL,
		bucket TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		PRIMARY KEY (role, bucket)
	);

	CREATE TABLE IF NOT EXISTS bucket_snapshots (
		role TEXT NOT NULL,
		bucket TEXT NOT NULL,
		position INTEGER NOT NULL,
		session_json TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		PRIMARY KEY (role, bucket, position)
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// SaveBucket replaces the stored list for key.
func (c *SQLiteCache) SaveBucket(key session.Key, sessions []session.Session, fetchedAt time.Time) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	role, bucket := string(key.Role), key.Bucket.String()
	if _, err := tx.Exec(`DELETE FROM bucket_snapshots WHERE role = ? AND bucket = ?`, role, bucket); err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO bucket_fetches (role, bucket, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT (role, bucket) DO UPDATE SET fetched_at = excluded.fetched_at
	`, role, bucket, fetchedAt.UTC())
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO bucket_snapshots (role, bucket, position, session_json, fetched_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, s := range sessions {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", s.SessionID, err)
		}
		if _, err := stmt.Exec(role, bucket, i, string(data), fetchedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadBucket returns the stored list for key in its original order. A key
// that was never saved yields a nil slice; a saved empty list yields an
// empty, non-nil one.
func (c *SQLiteCache) LoadBucket(key session.Key) ([]session.Session, time.Time, error) {
	role, bucket := string(key.Role), key.Bucket.String()

	var fetchedAt time.Time
	err := c.db.QueryRow(`SELECT fetched_at FROM bucket_fetches WHERE role = ? AND bucket = ?`, role, bucket).Scan(&fetchedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	rows, err := c.db.Query(`
		SELECT session_json
		FROM bucket_snapshots
		WHERE role = ? AND bucket = ?
		ORDER BY position
	`, role, bucket)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	list := []session.Session{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, time.Time{}, err
		}
		var s session.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, time.Time{}, fmt.Errorf("decode cached %s session: %w", key, err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return list, fetchedAt, nil
}

// Clear drops every stored list for role.
func (c *SQLiteCache) Clear(role session.Role) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"bucket_snapshots", "bucket_fetches"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE role = ?`, string(role)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Package store persists active bans in SQLite so a restarted controller
// can finish or re-assert them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Lolpotch/burai/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS bans (
	ip          TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	probability REAL NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bans_expires ON bans(expires_at);
`

// Store is a SQLite-backed ban table.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Put inserts or replaces the entry for e.IP.
func (s *Store) Put(ctx context.Context, e models.BanEntry) error {
	const query = `
	INSERT INTO bans (ip, id, probability, reason, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(ip) DO UPDATE SET
		id = excluded.id,
		probability = excluded.probability,
		reason = excluded.reason,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		e.IP.String(),
		e.ID,
		e.Probability,
		e.Reason,
		e.CreatedAt.UnixNano(),
		e.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", e.IP, err)
	}
	return nil
}

// Delete removes the entry for ip. Deleting an absent entry is not an error.
func (s *Store) Delete(ctx context.Context, ip netip.Addr) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM bans WHERE ip = ?", ip.String()); err != nil {
		return fmt.Errorf("store: delete %s: %w", ip, err)
	}
	return nil
}

// List returns every stored entry ordered by creation time.
func (s *Store) List(ctx context.Context) ([]models.BanEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ip, id, probability, reason, created_at, expires_at FROM bans ORDER BY created_at, ip")
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []models.BanEntry
	for rows.Next() {
		var (
			ip               string
			e                models.BanEntry
			created, expires int64
		)
		if err := rows.Scan(&ip, &e.ID, &e.Probability, &e.Reason, &created, &expires); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("store: bad address %q: %w", ip, err)
		}
		e.IP = addr
		e.CreatedAt = time.Unix(0, created)
		e.ExpiresAt = time.Unix(0, expires)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

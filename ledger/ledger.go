package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrStorage marks a failure of the ledger's backing store. No dedup
// decision is safe without a working ledger, so callers must treat it as
// fatal to the whole run rather than to one account.
var ErrStorage = errors.New("ledger storage failure")

// Store is the durable record of message keys that have already been
// delivered. It is the single source of truth for dedup decisions; server
// state is re-derived on every session and never trusted across crashes.
type Store struct {
	db *sql.DB
}

// Open opens (and lazily creates) the ledger database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: ledger path is empty", ErrStorage)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create directory: %v", ErrStorage, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorage, err)
	}

	// A single writer keeps the driver from returning SQLITE_BUSY on
	// overlapping statements; the run is single-threaded anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS seen (key TEXT PRIMARY KEY)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrStorage, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}

// Exists reports whether key has been recorded.
func (s *Store) Exists(key string) (bool, error) {
	return exists(s.db.QueryRow(`SELECT 1 FROM seen WHERE key = ?`, key))
}

// Record marks key as delivered. Recording an already-present key is a
// successful no-op.
func (s *Store) Record(key string) error {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO seen (key) VALUES (?)`, key); err != nil {
		return fmt.Errorf("%w: record key: %v", ErrStorage, err)
	}
	return nil
}

// RemoveMany deletes the given keys in one transaction. Used to prune
// entries for duplicates that were also deleted from the server, so the
// ledger does not grow without bound.
func (s *Store) RemoveMany(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin prune: %v", ErrStorage, err)
	}
	for _, key := range keys {
		if _, err := tx.Exec(`DELETE FROM seen WHERE key = ?`, key); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: prune key: %v", ErrStorage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit prune: %v", ErrStorage, err)
	}
	return nil
}

// RemoveScope deletes every key belonging to one account scope. This is
// the explicit out-of-band deletion surface used by the ledger-stats tool.
func (s *Store) RemoveScope(scope string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM seen WHERE key LIKE ? ESCAPE '\'`, likeScope(scope))
	if err != nil {
		return 0, fmt.Errorf("%w: prune scope: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: prune scope: %v", ErrStorage, err)
	}
	return n, nil
}

// Count returns the number of recorded keys.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM seen`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count keys: %v", ErrStorage, err)
	}
	return n, nil
}

// ScopeCounts groups recorded keys by their account scope.
func (s *Store) ScopeCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT key FROM seen`)
	if err != nil {
		return nil, fmt.Errorf("%w: read keys: %v", ErrStorage, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", ErrStorage, err)
		}
		scope := key
		if idx := strings.IndexByte(key, '#'); idx >= 0 {
			scope = key[:idx]
		}
		counts[scope]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read keys: %v", ErrStorage, err)
	}
	return counts, nil
}

// Tx scopes the decision-and-mutation for a single message: begin,
// check-or-record, then commit or roll back. No partial state survives a
// rollback.
type Tx struct {
	tx   *sql.Tx
	done bool
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", ErrStorage, err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Exists(key string) (bool, error) {
	return exists(t.tx.QueryRow(`SELECT 1 FROM seen WHERE key = ?`, key))
}

func (t *Tx) Record(key string) error {
	if _, err := t.tx.Exec(`INSERT OR IGNORE INTO seen (key) VALUES (?)`, key); err != nil {
		return fmt.Errorf("%w: record key: %v", ErrStorage, err)
	}
	return nil
}

func (t *Tx) Commit() error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrStorage, err)
	}
	return nil
}

// Rollback discards the transaction. Safe to call after Commit, so callers
// can defer it on every path.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
}

func exists(row *sql.Row) (bool, error) {
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query key: %v", ErrStorage, err)
	}
	return true, nil
}

func likeScope(scope string) string {
	// Escape LIKE metacharacters so a scope containing % or _ cannot match
	// other accounts' keys.
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(scope) + `#%`
}

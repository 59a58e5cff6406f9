package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/noex/noex-rules/internal/rule"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists snapshots in a SQLite database. WAL mode keeps
// reads available while a save is in flight.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite creates or opens the database at path and applies pragmas
// and schema. Idempotent.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite supports one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Key is the database file path.
func (s *SQLiteStore) Key() string { return s.path }

// SchemaVersion reports the snapshot layout version.
func (s *SQLiteStore) SchemaVersion() int { return SchemaVersion }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for _, in := range snap.Rules {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode rule %s: %w", in.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rules (id, definition, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET definition = excluded.definition,
			                              updated_at = excluded.updated_at`,
			in.ID, string(raw), now)
		if err != nil {
			return fmt.Errorf("write rule %s: %w", in.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	for _, g := range snap.Groups {
		raw, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode group %s: %w", g.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_groups (id, definition, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET definition = excluded.definition,
			                              updated_at = excluded.updated_at`,
			g.ID, string(raw), now)
		if err != nil {
			return fmt.Errorf("write group %s: %w", g.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. An empty database yields an empty
// snapshot, not an error.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM rules ORDER BY id`)
	if err != nil {
		return snap, fmt.Errorf("read rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return snap, fmt.Errorf("scan rule: %w", err)
		}
		var in rule.Input
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return snap, fmt.Errorf("decode rule: %w", err)
		}
		snap.Rules = append(snap.Rules, in)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("read rules: %w", err)
	}

	grows, err := s.db.QueryContext(ctx, `SELECT definition FROM rule_groups ORDER BY id`)
	if err != nil {
		return snap, fmt.Errorf("read groups: %w", err)
	}
	defer grows.Close()
	for grows.Next() {
		var raw string
		if err := grows.Scan(&raw); err != nil {
			return snap, fmt.Errorf("scan group: %w", err)
		}
		var g rule.Group
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			return snap, fmt.Errorf("decode group: %w", err)
		}
		snap.Groups = append(snap.Groups, g)
	}
	if err := grows.Err(); err != nil {
		return snap, fmt.Errorf("read groups: %w", err)
	}

	return snap, nil
}

// Clear removes every stored rule and group.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	return tx.Commit()
}

// Exists reports whether any rule or group is stored.
func (s *SQLiteStore) Exists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM rules) + (SELECT COUNT(*) FROM rule_groups)`,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count: %w", err)
	}
	return n > 0, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < SchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

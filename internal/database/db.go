package database

import (
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultMaxConns = 25

// pragmas are applied by the driver on every new connection
var pragmas = []string{
	"foreign_keys(ON)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// DB is the sqlite store holding activity, backup records and metrics.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens dbPath with the default pool size.
func NewDB(dbPath string) (*DB, error) {
	return Open(dbPath, 0)
}

// Open opens (and creates) the database file. maxConns <= 0 keeps the default.
func Open(dbPath string, maxConns int) (*DB, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(absPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(min(5, maxConns))

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database %s: %w", absPath, err)
	}
	return &DB{DB: sqlDB, path: absPath}, nil
}

// Path is the absolute database file path.
func (db *DB) Path() string {
	return db.path
}

func dsn(absPath string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + filepath.ToSlash(absPath) + "?" + q.Encode()
}

// Migrate applies every pending migration, each in its own transaction.
func (db *DB) Migrate() error {
	applied, err := db.appliedSet()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := db.apply(m); err != nil {
			return err
		}
		log.Printf("[Database] Applied migration %s", m.Version)
	}
	return nil
}

func (db *DB) apply(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %s: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return fmt.Errorf("migration %s: %w", m.Version, err)
	}
	if _, err := tx.Exec(`INSERT INTO migrations (version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Version, err)
	}
	return tx.Commit()
}

// AppliedMigrations lists recorded versions in the order they were applied.
func (db *DB) AppliedMigrations() ([]string, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	rows, err := db.Query(`SELECT version FROM migrations ORDER BY applied_at, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// PendingMigrations lists versions not applied yet.
func (db *DB) PendingMigrations() ([]string, error) {
	applied, err := db.appliedSet()
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m.Version)
		}
	}
	return pending, nil
}

func (db *DB) appliedSet() (map[string]bool, error) {
	versions, err := db.AppliedMigrations()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(versions))
	for _, v := range versions {
		set[v] = true
	}
	return set, nil
}

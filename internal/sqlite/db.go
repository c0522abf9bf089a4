package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
}

// New opens a SQLite database. ":memory:" databases are pinned to a single
// connection so every query sees the same data.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dataSourceName, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// RunMigrations creates the scene plan schema if it does not exist yet
func (db *DB) RunMigrations() error {
	migration := `
-- Scene plans, one row per named show
CREATE TABLE IF NOT EXISTS sceneplans (
    name TEXT PRIMARY KEY,
    bpm REAL NOT NULL CHECK(bpm > 0),
    roles TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Cues belonging to a plan; position keeps the saved order, id may be absent
CREATE TABLE IF NOT EXISTS cues (
    plan_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    id TEXT,
    bar INTEGER NOT NULL CHECK(bar >= 1),
    role TEXT NOT NULL,
    params TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (plan_name, position),
    FOREIGN KEY (plan_name) REFERENCES sceneplans(name) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cues_plan_id ON cues(plan_name, id);
CREATE INDEX IF NOT EXISTS idx_cues_plan_bar ON cues(plan_name, bar);
`

	if _, err := db.Exec(migration); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Open opens the database and runs migrations
func Open(dataSourceName string) (*DB, error) {
	db, err := New(dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

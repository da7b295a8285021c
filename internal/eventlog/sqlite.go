package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors presence rows into a SQLite table for ad-hoc queries.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS presence (
			timestamp TEXT NOT NULL,
			name TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS presence_timestamp_idx ON presence (timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// WriteRows inserts rows in one transaction.
func (s *SQLiteSink) WriteRows(rows []Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.Exec("INSERT INTO presence (timestamp, name) VALUES (?, ?)", r.Timestamp, r.Name); err != nil {
			return fmt.Errorf("insert presence row: %w", err)
		}
	}
	return tx.Commit()
}

// Counts returns the number of rows logged per name.
func (s *SQLiteSink) Counts() (map[string]int, error) {
	rows, err := s.db.Query("SELECT name, COUNT(*) FROM presence GROUP BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

package auth

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB provides SQLite persistence for broker access tokens.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the SQLite database at path and ensures the
// tokens table exists.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS access_tokens (
    broker       TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    user_name    TEXT NOT NULL,
    stored_at    TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// TokenRow is one persisted token record.
type TokenRow struct {
	Broker      string
	AccessToken string
	UserID      string
	UserName    string
	StoredAt    time.Time
}

// LoadTokens reads all persisted tokens.
func (d *DB) LoadTokens() ([]TokenRow, error) {
	rows, err := d.db.Query(`SELECT broker, access_token, user_id, user_name, stored_at FROM access_tokens`)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var out []TokenRow
	for rows.Next() {
		var (
			row       TokenRow
			storedAtS string
		)
		if err := rows.Scan(&row.Broker, &row.AccessToken, &row.UserID, &row.UserName, &storedAtS); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		row.StoredAt, err = time.Parse(time.RFC3339, storedAtS)
		if err != nil {
			return nil, fmt.Errorf("parse stored_at: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveToken inserts or replaces the token for a broker.
func (d *DB) SaveToken(broker, accessToken, userID, userName string, storedAt time.Time) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO access_tokens
		(broker, access_token, user_id, user_name, stored_at) VALUES (?, ?, ?, ?, ?)`,
		broker, accessToken, userID, userName, storedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// DeleteToken removes the persisted token for a broker.
func (d *DB) DeleteToken(broker string) error {
	if _, err := d.db.Exec(`DELETE FROM access_tokens WHERE broker = ?`, broker); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

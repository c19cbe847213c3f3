// Package database provides the MySQL session ledger: a durable record
// of container sessions for course analytics and billing, written on a
// best-effort basis outside the hot path.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const schema = `
CREATE TABLE IF NOT EXISTS ide_sessions (
	id           BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	container_id VARCHAR(32)  NOT NULL,
	owner_key    VARCHAR(255) NOT NULL,
	bucket_ref   VARCHAR(255) NOT NULL,
	mode         VARCHAR(16)  NOT NULL,
	started_at   DATETIME(3)  NOT NULL,
	ended_at     DATETIME(3)  NULL,
	end_status   VARCHAR(16)  NULL,
	PRIMARY KEY (id),
	KEY idx_sessions_container (container_id),
	KEY idx_sessions_owner (owner_key)
)`

// SessionLedger records container session lifetimes in MySQL.
type SessionLedger struct {
	db *sql.DB
}

// NewSessionLedger opens the ledger database and ensures the schema exists.
func NewSessionLedger(dsn string) (*SessionLedger, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	l := &SessionLedger{db: db}
	if err := l.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// Close closes the database connection.
func (l *SessionLedger) Close() error {
	return l.db.Close()
}

func (l *SessionLedger) ensureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

// RecordStart inserts a session row for a freshly provisioned container.
func (l *SessionLedger) RecordStart(ctx context.Context, containerID, ownerKey, bucketRef, mode string, startedAt time.Time) error {
	query := `
		INSERT INTO ide_sessions (container_id, owner_key, bucket_ref, mode, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := l.db.ExecContext(ctx, query, containerID, ownerKey, bucketRef, mode, startedAt.UTC()); err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// RecordEnd closes the open session row for a container, stamping the
// terminal status it ended in. Closing an already-closed or unknown
// session is a no-op.
func (l *SessionLedger) RecordEnd(ctx context.Context, containerID, endStatus string, endedAt time.Time) error {
	query := `
		UPDATE ide_sessions
		SET ended_at = ?, end_status = ?
		WHERE container_id = ? AND ended_at IS NULL
	`
	if _, err := l.db.ExecContext(ctx, query, endedAt.UTC(), endStatus, containerID); err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (l *SessionLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Package sqlitestore backs the token vault and audit trail with an
// embedded SQLite database, for local and single-host pipelines that
// need durable determinism without a database server.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/dataveil/dataveil"
)

// DB provides dual reader/writer connections with WAL mode enabled.
// The writer is limited to a single connection to avoid "database is
// locked" errors; the reader pool allows concurrent lookups. The
// opener owns the DB: the stores built on it do not close it.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
}

// Open opens (creating if needed) a SQLite database file with WAL
// mode, busy timeout and synchronous NORMAL.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	return open(dsn)
}

// OpenMemory opens a named shared in-memory database. Each distinct
// name is an independent database living as long as a connection to
// it stays open.
func OpenMemory(name string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		url.PathEscape(name),
	)
	return open(dsn)
}

func open(dsn string) (*DB, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &DB{Writer: writer, Reader: reader}, nil
}

// Close closes both connections, returning the first error seen.
func (db *DB) Close() error {
	var firstErr error
	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}

const schema = `
CREATE TABLE IF NOT EXISTS token_vault (
    field_key    TEXT NOT NULL,
    fingerprint  TEXT NOT NULL,
    masked_value TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    PRIMARY KEY (field_key, fingerprint),
    UNIQUE (field_key, masked_value)
);

CREATE TABLE IF NOT EXISTS audit_events (
    id             TEXT PRIMARY KEY,
    at             TEXT NOT NULL,
    field_key      TEXT NOT NULL,
    strategy       TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema creates the vault and audit tables if absent. This is
// one-shot table bootstrap, not a migration system.
func EnsureSchema(ctx context.Context, db *DB) error {
	if _, err := db.Writer.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ dataveil.VaultStore = (*VaultStore)(nil)
	_ dataveil.AuditSink  = (*AuditSink)(nil)
)

// VaultStore is the SQLite implementation of dataveil.VaultStore.
type VaultStore struct {
	db *DB
}

// NewVaultStore wraps a DB as a vault store.
func NewVaultStore(db *DB) *VaultStore {
	return &VaultStore{db: db}
}

// Lookup implements dataveil.VaultStore.
func (s *VaultStore) Lookup(ctx context.Context, field dataveil.FieldIdentity, fingerprint string) (string, bool, error) {
	const query = `SELECT masked_value FROM token_vault WHERE field_key = ? AND fingerprint = ?`
	var masked string
	err := s.db.Reader.QueryRowContext(ctx, query, field.Key(), fingerprint).Scan(&masked)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup vault entry %s: %w", field, err)
	}
	return masked, true, nil
}

// Insert implements dataveil.VaultStore. The single-connection writer
// makes each insert atomic; unique violations are classified into the
// package dataveil insert sentinels.
func (s *VaultStore) Insert(ctx context.Context, entry dataveil.Entry) error {
	const query = `INSERT INTO token_vault (field_key, fingerprint, masked_value, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query,
		entry.Field.Key(), entry.Fingerprint, entry.Masked,
		entry.CreatedAt.UTC().Format("2006-01-02 15:04:05.999999999"),
	)
	if err == nil {
		return nil
	}
	if sentinel := classifyUnique(err); sentinel != nil {
		return sentinel
	}
	return fmt.Errorf("insert vault entry %s: %w", entry.Field, err)
}

// Close implements dataveil.VaultStore. The shared DB stays open; its
// opener closes it.
func (s *VaultStore) Close() error {
	return nil
}

// classifyUnique maps a sqlite unique-violation message to the insert
// sentinel it represents, or nil for other errors. The constraint's
// column list identifies which uniqueness was violated.
func classifyUnique(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil
	}
	if strings.Contains(msg, "token_vault.masked_value") {
		return dataveil.ErrMaskedValueTaken
	}
	if strings.Contains(msg, "token_vault.fingerprint") {
		return dataveil.ErrFingerprintExists
	}
	return nil
}

// AuditSink is the SQLite implementation of dataveil.AuditSink.
type AuditSink struct {
	db *DB
}

// NewAuditSink wraps a DB as an audit sink.
func NewAuditSink(db *DB) *AuditSink {
	return &AuditSink{db: db}
}

// Append implements dataveil.AuditSink.
func (s *AuditSink) Append(ctx context.Context, event dataveil.AuditEvent) error {
	const query = `INSERT INTO audit_events (id, at, field_key, strategy, correlation_id, outcome, reason)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query,
		event.ID.String(),
		event.Time.UTC().Format("2006-01-02 15:04:05.999999999"),
		event.Field.Key(),
		event.Strategy,
		event.CorrelationID,
		string(event.Outcome),
		event.Reason,
	)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	return nil
}

// Close implements dataveil.AuditSink. The shared DB stays open; its
// opener closes it.
func (s *AuditSink) Close() error {
	return nil
}

// Package pgstore backs the token vault, the audit trail and the run
// report store with PostgreSQL, and implements the pipeline source and
// sink over the source and destination databases. The destination
// database conventionally hosts the vault and audit tables, as the
// masked values belong with the masked data.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/dataveil/dataveil"
	"github.com/dataveil/dataveil/pipeline"
)

// Constraint names the insert classifier matches on.
const (
	vaultPKConstraint     = "token_vault_pkey"
	vaultMaskedConstraint = "token_vault_field_masked_key"
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Open opens a PostgreSQL connection via the pgx stdlib driver and
// pings it. The DSN, credentials included, is the embedding
// application's to supply.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS token_vault (
    field_key    TEXT NOT NULL,
    fingerprint  TEXT NOT NULL,
    masked_value TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    CONSTRAINT token_vault_pkey PRIMARY KEY (field_key, fingerprint),
    CONSTRAINT token_vault_field_masked_key UNIQUE (field_key, masked_value)
);

CREATE TABLE IF NOT EXISTS audit_events (
    id             UUID PRIMARY KEY,
    at             TIMESTAMPTZ NOT NULL,
    field_key      TEXT NOT NULL,
    strategy       TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS execution_audit (
    run_id           UUID PRIMARY KEY,
    env_name         TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL,
    tables_processed JSONB NOT NULL,
    rows_copied      BIGINT NOT NULL,
    rows_failed      BIGINT NOT NULL,
    errors           JSONB NOT NULL
);
`

// EnsureSchema creates the vault, audit and run report tables if
// absent. This is one-shot table bootstrap, not a migration system.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ dataveil.VaultStore = (*VaultStore)(nil)
	_ dataveil.AuditSink  = (*AuditSink)(nil)
	_ pipeline.ReportSink = (*ReportStore)(nil)
)

// VaultStore is the PostgreSQL implementation of dataveil.VaultStore.
type VaultStore struct {
	db *sql.DB
}

// NewVaultStore wraps an open database as a vault store. The database
// stays with its opener; Close does not close it.
func NewVaultStore(db *sql.DB) *VaultStore {
	return &VaultStore{db: db}
}

// Lookup implements dataveil.VaultStore.
func (s *VaultStore) Lookup(ctx context.Context, field dataveil.FieldIdentity, fingerprint string) (string, bool, error) {
	const query = `SELECT masked_value FROM token_vault WHERE field_key = $1 AND fingerprint = $2`
	var masked string
	err := s.db.QueryRowContext(ctx, query, field.Key(), fingerprint).Scan(&masked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup vault entry %s: %w", field, err)
	}
	return masked, true, nil
}

// Insert implements dataveil.VaultStore. The insert is a single
// atomic statement; unique violations are classified by constraint
// name into the package dataveil insert sentinels, so a losing
// concurrent writer reads back the winner's value instead of
// overwriting it.
func (s *VaultStore) Insert(ctx context.Context, entry dataveil.Entry) error {
	const query = `INSERT INTO token_vault (field_key, fingerprint, masked_value, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, query,
		entry.Field.Key(), entry.Fingerprint, entry.Masked, entry.CreatedAt,
	)
	if err == nil {
		return nil
	}
	if sentinel := ClassifyInsertErr(err); sentinel != nil {
		return sentinel
	}
	return fmt.Errorf("insert vault entry %s: %w", entry.Field, err)
}

// Close implements dataveil.VaultStore.
func (s *VaultStore) Close() error {
	return nil
}

// ClassifyInsertErr maps a unique-violation error from a vault insert
// to the sentinel it represents, or nil for any other error.
func ClassifyInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case vaultPKConstraint:
		return dataveil.ErrFingerprintExists
	case vaultMaskedConstraint:
		return dataveil.ErrMaskedValueTaken
	}
	return nil
}

// AuditSink is the PostgreSQL implementation of dataveil.AuditSink.
type AuditSink struct {
	db *sql.DB
}

// NewAuditSink wraps an open database as an audit sink.
func NewAuditSink(db *sql.DB) *AuditSink {
	return &AuditSink{db: db}
}

// Append implements dataveil.AuditSink.
func (s *AuditSink) Append(ctx context.Context, event dataveil.AuditEvent) error {
	const query = `INSERT INTO audit_events (id, at, field_key, strategy, correlation_id, outcome, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Time, event.Field.Key(), event.Strategy,
		event.CorrelationID, string(event.Outcome), event.Reason,
	)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	return nil
}

// Close implements dataveil.AuditSink.
func (s *AuditSink) Close() error {
	return nil
}

// ReportStore persists pipeline run reports to the execution_audit
// table.
type ReportStore struct {
	db *sql.DB
}

// NewReportStore wraps an open database as a report store.
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// SaveReport implements pipeline.ReportSink.
func (s *ReportStore) SaveReport(ctx context.Context, report *pipeline.Report) error {
	tables, err := json.Marshal(report.Tables)
	if err != nil {
		return err
	}
	runErrors, err := json.Marshal(report.Errors)
	if err != nil {
		return err
	}
	if report.Errors == nil {
		runErrors = []byte("[]")
	}
	const query = `INSERT INTO execution_audit
(run_id, env_name, started_at, finished_at, tables_processed, rows_copied, rows_failed, errors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, query,
		report.RunID, report.Env, report.StartedAt, report.FinishedAt,
		tables, report.RowsCopied, report.RowsFailed, runErrors,
	)
	if err != nil {
		return fmt.Errorf("save run report %s: %w", report.RunID, err)
	}
	return nil
}

// quoteTable renders a possibly schema-qualified table name as quoted
// identifiers. Table names come from run configuration, not user
// input, but quoting keeps mixed-case and reserved names working.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Package pipeline coordinates a production-to-QA copy: it streams
// batches from a Source, masks every row through a dataveil
// Transformer, writes the masked batches to a Sink and records a run
// report. Connection handling and credentials belong to the Source and
// Sink implementations; the coordinator never sees them.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dataveil/dataveil"
)

// TableReport is the per-table outcome of a run.
type TableReport struct {
	Table   string        `json:"table"`
	Rows    int64         `json:"rows"`
	Skipped int64         `json:"skipped"`
	Elapsed time.Duration `json:"elapsed"`
}

// RunError records one failure during a run. Err holds the error text
// only; row values never appear in reports.
type RunError struct {
	Table string `json:"table"`
	Err   string `json:"error"`
}

// Report summarises one pipeline run for the execution audit trail.
type Report struct {
	RunID      uuid.UUID     `json:"run_id"`
	Env        string        `json:"env_name"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tables     []TableReport `json:"tables"`
	RowsCopied int64         `json:"rows_copied"`
	RowsFailed int64         `json:"rows_failed"`
	Errors     []RunError    `json:"errors,omitempty"`

	// AuditLoss is the recorder's warning state at end of run.
	AuditLoss dataveil.AuditWarning `json:"-"`
}

// ReportSink persists run reports to durable storage.
type ReportSink interface {
	SaveReport(ctx context.Context, report *Report) error
}

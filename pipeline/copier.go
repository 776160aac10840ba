package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dataveil/dataveil"
)

// Mode selects how much of each table a run copies.
type Mode string

const (
	// ModeDelta copies rows past the stored watermark.
	ModeDelta Mode = "delta"
	// ModeFull copies every row.
	ModeFull Mode = "full"
)

// RowErrorPolicy decides what a row masking failure does to its table.
type RowErrorPolicy int

const (
	// AbortTable stops the table copy at the first failed row.
	AbortTable RowErrorPolicy = iota
	// SkipRow excludes the failed row from the destination, counts it
	// and continues. Failed rows are never written unmasked.
	SkipRow
)

// TableSpec configures the copy of one table.
type TableSpec struct {
	Name string
	// BatchSize defaults to 500.
	BatchSize int
	// Filter is an opaque predicate the Source interprets, applied on
	// full copies and first delta runs.
	Filter string
	// WatermarkColumn enables incremental delta copies.
	WatermarkColumn string
	// KeyColumns give the upsert identity the Sink conflicts on; empty
	// means plain inserts.
	KeyColumns []string
}

// Source streams batches of rows from the origin database. since is
// the stored watermark, empty on full copies and first delta runs.
type Source interface {
	ReadBatches(ctx context.Context, spec TableSpec, since string, fn func([]dataveil.Row) error) error
}

// Sink writes masked batches to the destination database.
type Sink interface {
	WriteBatch(ctx context.Context, spec TableSpec, rows []dataveil.Row) error
	Truncate(ctx context.Context, table string) error
}

// Config configures a Copier run.
type Config struct {
	Tables []TableSpec
	Mode   Mode
	// Env names the run's environment in reports.
	Env string
	// TruncateOnFull empties each destination table before a full copy.
	TruncateOnFull bool
	// DryRun masks and counts but writes nothing and moves no
	// watermark.
	DryRun bool
	// Parallel bounds concurrent table copies; 1 when zero.
	Parallel int
	// OnRowError is the row failure policy.
	OnRowError RowErrorPolicy
	// Guard, when set, must pass before any table is touched. The
	// embedding application supplies it, for instance to check the
	// database role the run executes under.
	Guard func(ctx context.Context) error
}

// CopierOption configures a Copier.
type CopierOption func(*Copier)

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) CopierOption {
	return func(c *Copier) { c.logger = l }
}

// WithStateStore sets the watermark store. Runs without one behave as
// first delta runs every time.
func WithStateStore(s StateStore) CopierOption {
	return func(c *Copier) { c.state = s }
}

// WithReportSink persists the run report at end of run.
func WithReportSink(s ReportSink) CopierOption {
	return func(c *Copier) { c.reports = s }
}

// WithRecorder lets the copier poll the audit recorder for loss
// warnings at end of run.
func WithRecorder(r *dataveil.Recorder) CopierOption {
	return func(c *Copier) { c.recorder = r }
}

// Copier is the pipeline coordinator: it reads batches from the
// source, masks every row, writes masked batches to the sink and
// advances watermarks. Tables copy independently; one table's failure
// is reported but does not cancel its siblings.
type Copier struct {
	source   Source
	sink     Sink
	xform    *dataveil.Transformer
	cfg      Config
	logger   *slog.Logger
	state    StateStore
	reports  ReportSink
	recorder *dataveil.Recorder

	mu         sync.Mutex
	watermarks State
	report     *Report
}

// NewCopier builds a Copier over a source, a sink and a row
// transformer.
func NewCopier(source Source, sink Sink, xform *dataveil.Transformer, cfg Config, opts ...CopierOption) *Copier {
	c := &Copier{source: source, sink: sink, xform: xform, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.state == nil {
		c.state = &MemState{}
	}
	return c
}

// Run executes the copy and returns its report. The returned error is
// non-nil only for run-level failures (guard refusal, state store
// failure, cancellation); per-table failures land in the report.
func (c *Copier) Run(ctx context.Context) (*Report, error) {
	if c.cfg.Guard != nil {
		if err := c.cfg.Guard(ctx); err != nil {
			return nil, fmt.Errorf("guard refused run: %w", err)
		}
	}

	watermarks, err := c.state.Load()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.watermarks = watermarks
	c.report = &Report{
		RunID:     uuid.New(),
		Env:       c.cfg.Env,
		StartedAt: time.Now().UTC(),
	}
	runID := c.report.RunID
	c.mu.Unlock()

	c.logger.Info("pipeline run starting",
		"run_id", runID, "env", c.cfg.Env, "mode", c.cfg.Mode,
		"dry_run", c.cfg.DryRun, "tables", len(c.cfg.Tables))

	g, gctx := errgroup.WithContext(ctx)
	parallel := c.cfg.Parallel
	if parallel < 1 {
		parallel = 1
	}
	g.SetLimit(parallel)

	for i := range c.cfg.Tables {
		spec := c.cfg.Tables[i]
		g.Go(func() error {
			if err := c.copyTable(gctx, spec); err != nil {
				c.logger.Warn("table copy failed", "table", spec.Name, "error", err)
				c.recordError(spec.Name, err)
				// don't cancel sibling tables
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	report := c.report
	c.mu.Unlock()
	report.FinishedAt = time.Now().UTC()
	if c.recorder != nil {
		report.AuditLoss = c.recorder.Warnings()
		if report.AuditLoss.Pending > 0 || report.AuditLoss.Dropped > 0 {
			c.logger.Warn("audit events at risk at end of run",
				"pending", report.AuditLoss.Pending, "dropped", report.AuditLoss.Dropped)
		}
	}

	if c.reports != nil {
		if err := c.reports.SaveReport(ctx, report); err != nil {
			c.logger.Warn("could not persist run report", "run_id", report.RunID, "error", err)
		}
	}

	c.logger.Info("pipeline run finished",
		"run_id", report.RunID, "rows_copied", report.RowsCopied,
		"rows_failed", report.RowsFailed, "errors", len(report.Errors))
	return report, nil
}

func (c *Copier) copyTable(ctx context.Context, spec TableSpec) error {
	start := time.Now()
	if spec.BatchSize < 1 {
		spec.BatchSize = 500
	}

	since := ""
	if c.cfg.Mode == ModeDelta && spec.WatermarkColumn != "" {
		c.mu.Lock()
		since = c.watermarks[spec.Name]
		c.mu.Unlock()
	}

	if c.cfg.Mode == ModeFull && c.cfg.TruncateOnFull && !c.cfg.DryRun {
		if err := c.sink.Truncate(ctx, spec.Name); err != nil {
			return fmt.Errorf("truncate %s: %w", spec.Name, err)
		}
	}

	var copied, skipped int64
	err := c.source.ReadBatches(ctx, spec, since, func(batch []dataveil.Row) error {
		masked := make([]dataveil.Row, 0, len(batch))
		for _, row := range batch {
			out, err := c.xform.Transform(ctx, row)
			if err != nil {
				if c.cfg.OnRowError == SkipRow {
					skipped++
					c.recordError(spec.Name, err)
					continue
				}
				return err
			}
			masked = append(masked, out)
		}

		if !c.cfg.DryRun && len(masked) > 0 {
			if err := c.sink.WriteBatch(ctx, spec, masked); err != nil {
				return fmt.Errorf("write batch to %s: %w", spec.Name, err)
			}
		}
		copied += int64(len(masked))

		if c.cfg.Mode == ModeDelta && spec.WatermarkColumn != "" && !c.cfg.DryRun {
			if err := c.advanceWatermark(spec, batch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.report.Tables = append(c.report.Tables, TableReport{
		Table:   spec.Name,
		Rows:    copied,
		Skipped: skipped,
		Elapsed: time.Since(start),
	})
	c.report.RowsCopied += copied
	c.mu.Unlock()

	c.logger.Info("table copied",
		"table", spec.Name, "rows", copied, "skipped", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// advanceWatermark stores the largest watermark value seen in the
// batch. Watermarks move only after the batch is safely written.
func (c *Copier) advanceWatermark(spec TableSpec, batch []dataveil.Row) error {
	max := ""
	for _, row := range batch {
		v, err := row.Value(spec.WatermarkColumn)
		if err != nil || v == nil {
			continue
		}
		if s := renderWatermark(v); s > max {
			max = s
		}
	}
	if max == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if max <= c.watermarks[spec.Name] {
		return nil
	}
	c.watermarks[spec.Name] = max
	if err := c.state.Save(c.watermarks); err != nil {
		return fmt.Errorf("save watermark for %s: %w", spec.Name, err)
	}
	return nil
}

// recordError files a failure in the report. Only row-scope failures
// count towards RowsFailed; a table-level failure (truncate, batch
// write) lands in Errors alone.
func (c *Copier) recordError(table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rowErr *dataveil.RowMaskingError
	if errors.As(err, &rowErr) {
		c.report.RowsFailed++
	}
	c.report.Errors = append(c.report.Errors, RunError{Table: table, Err: err.Error()})
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataveil/dataveil"
)

// memSource serves configured rows in batches, honouring the
// watermark the same way a SQL source would.
type memSource struct {
	rows map[string][]dataveil.Row
}

func (s *memSource) ReadBatches(ctx context.Context, spec TableSpec, since string, fn func([]dataveil.Row) error) error {
	var selected []dataveil.Row
	for _, row := range s.rows[spec.Name] {
		if since != "" && spec.WatermarkColumn != "" {
			v, err := row.Value(spec.WatermarkColumn)
			if err != nil {
				return err
			}
			if renderWatermark(v) <= since {
				continue
			}
		}
		selected = append(selected, row)
	}
	for start := 0; start < len(selected); start += spec.BatchSize {
		end := start + spec.BatchSize
		if end > len(selected) {
			end = len(selected)
		}
		if err := fn(selected[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// memSink collects written rows per table.
type memSink struct {
	mu        sync.Mutex
	written   map[string][]dataveil.Row
	truncated []string
	failWrite bool
}

func newMemSink() *memSink {
	return &memSink{written: map[string][]dataveil.Row{}}
}

func (s *memSink) WriteBatch(ctx context.Context, spec TableSpec, rows []dataveil.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("destination unreachable")
	}
	s.written[spec.Name] = append(s.written[spec.Name], rows...)
	return nil
}

func (s *memSink) Truncate(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated = append(s.truncated, table)
	s.written[table] = nil
	return nil
}

func (s *memSink) rows(table string) []dataveil.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[table]
}

type memReportSink struct {
	mu      sync.Mutex
	reports []*Report
}

func (s *memReportSink) SaveReport(ctx context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func customerRows(n int) []dataveil.Row {
	rows := make([]dataveil.Row, 0, n)
	for i := 0; i < n; i++ {
		row, _ := dataveil.NewRow("customers",
			[]string{"customer_id", "email", "updated_at"},
			[]any{i + 1, fmt.Sprintf("user%d@example.com", i+1), fmt.Sprintf("2025-06-%02dT00:00:00Z", i+1)},
		)
		rows = append(rows, row)
	}
	return rows
}

// newTransformer wires a tokenising transformer over in-memory stores.
func newTransformer(t *testing.T) *dataveil.Transformer {
	t.Helper()
	settings := dataveil.Settings{
		"customers": []dataveil.Rule{
			{Strategy: "tokenize", Columns: []string{"email"}, Salt: "t1"},
		},
	}
	policy, err := dataveil.Compile(settings, dataveil.NewRegistry())
	require.NoError(t, err)
	vault := dataveil.NewVault(dataveil.NewMemStore(), []byte("secret"))
	recorder := dataveil.NewRecorder(dataveil.NewMemAuditSink())
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })
	return dataveil.NewTransformer(policy, dataveil.NewMasker(policy, vault, recorder))
}

func TestCopierFullRun(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(7)}}
	sink := newMemSink()
	reports := &memReportSink{}

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables: []TableSpec{{Name: "customers", BatchSize: 3}},
		Mode:   ModeFull,
		Env:    "qa",
	}, WithReportSink(reports))

	report, err := copier.Run(context.Background())
	require.NoError(t, err)

	written := sink.rows("customers")
	require.Len(t, written, 7)
	for i, row := range written {
		email, err := row.Value("email")
		require.NoError(t, err)
		assert.NotEqual(t, fmt.Sprintf("user%d@example.com", i+1), email, "emails must be masked")
	}

	assert.Equal(t, int64(7), report.RowsCopied)
	assert.Zero(t, report.RowsFailed)
	assert.Equal(t, "qa", report.Env)
	require.Len(t, report.Tables, 1)
	assert.Equal(t, int64(7), report.Tables[0].Rows)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	require.Len(t, reports.reports, 1)
	assert.Equal(t, report.RunID, reports.reports[0].RunID)
}

func TestCopierMaskingIsDeterministicAcrossTables(t *testing.T) {
	// same email in two rows must land as the same token
	row1, _ := dataveil.NewRow("customers",
		[]string{"customer_id", "email", "updated_at"},
		[]any{1, "alice@example.com", "2025-06-01T00:00:00Z"})
	row2, _ := dataveil.NewRow("customers",
		[]string{"customer_id", "email", "updated_at"},
		[]any{2, "alice@example.com", "2025-06-02T00:00:00Z"})

	source := &memSource{rows: map[string][]dataveil.Row{"customers": {row1, row2}}}
	sink := newMemSink()
	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables: []TableSpec{{Name: "customers"}},
		Mode:   ModeFull,
	})

	_, err := copier.Run(context.Background())
	require.NoError(t, err)

	written := sink.rows("customers")
	require.Len(t, written, 2)
	first, _ := written[0].Value("email")
	second, _ := written[1].Value("email")
	assert.Equal(t, first, second)
}

func TestCopierDryRun(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(4)}}
	sink := newMemSink()
	state := &MemState{}

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables: []TableSpec{{Name: "customers", WatermarkColumn: "updated_at"}},
		Mode:   ModeDelta,
		DryRun: true,
	}, WithStateStore(state))

	report, err := copier.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sink.rows("customers"), "dry run must write nothing")
	assert.Equal(t, int64(4), report.RowsCopied, "dry run still masks and counts")

	saved, err := state.Load()
	require.NoError(t, err)
	assert.Empty(t, saved, "dry run must not move watermarks")
}

func TestCopierDeltaWatermark(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(5)}}
	sink := newMemSink()
	state := &MemState{}
	cfg := Config{
		Tables: []TableSpec{{Name: "customers", BatchSize: 2, WatermarkColumn: "updated_at"}},
		Mode:   ModeDelta,
	}

	// first run copies everything and stores the high-water mark
	report, err := NewCopier(source, sink, newTransformer(t), cfg, WithStateStore(state)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.RowsCopied)

	saved, err := state.Load()
	require.NoError(t, err)
	assert.Equal(t, "2025-06-05T00:00:00Z", saved["customers"])

	// a rerun with no new rows copies nothing
	report, err = NewCopier(source, sink, newTransformer(t), cfg, WithStateStore(state)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.RowsCopied)

	// new rows past the watermark are picked up
	source.rows["customers"] = append(source.rows["customers"], customerRows(7)[5:]...)
	report, err = NewCopier(source, sink, newTransformer(t), cfg, WithStateStore(state)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.RowsCopied)
	saved, _ = state.Load()
	assert.Equal(t, "2025-06-07T00:00:00Z", saved["customers"])
}

// badRow returns a customers row missing the declared email column, so
// masking fails and the row may never be forwarded.
func badRow() dataveil.Row {
	row, _ := dataveil.NewRow("customers",
		[]string{"customer_id", "updated_at"},
		[]any{99, "2025-06-09T00:00:00Z"})
	return row
}

func TestCopierSkipRowPolicy(t *testing.T) {
	rows := customerRows(3)
	rows = append(rows[:1], append([]dataveil.Row{badRow()}, rows[1:]...)...)
	source := &memSource{rows: map[string][]dataveil.Row{"customers": rows}}
	sink := newMemSink()

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables:     []TableSpec{{Name: "customers"}},
		Mode:       ModeFull,
		OnRowError: SkipRow,
	})
	report, err := copier.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, sink.rows("customers"), 3, "failed row is excluded, good rows copied")
	assert.Equal(t, int64(3), report.RowsCopied)
	assert.Equal(t, int64(1), report.RowsFailed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "customers", report.Errors[0].Table)
}

func TestCopierAbortTablePolicy(t *testing.T) {
	rows := append([]dataveil.Row{badRow()}, customerRows(3)...)
	source := &memSource{rows: map[string][]dataveil.Row{"customers": rows}}
	sink := newMemSink()

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables:     []TableSpec{{Name: "customers"}},
		Mode:       ModeFull,
		OnRowError: AbortTable,
	})
	report, err := copier.Run(context.Background())
	require.NoError(t, err, "a failed table is reported, not returned")

	assert.Empty(t, sink.rows("customers"))
	require.Len(t, report.Errors, 1)
	assert.Zero(t, report.RowsCopied)
	assert.Equal(t, int64(1), report.RowsFailed, "the aborting row failure is row-scope")
}

func TestCopierTableFailureNotCountedAsRowFailure(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(3)}}
	sink := newMemSink()
	sink.failWrite = true

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables: []TableSpec{{Name: "customers"}},
		Mode:   ModeFull,
	})
	report, err := copier.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Err, "destination unreachable")
	assert.Zero(t, report.RowsFailed, "a table-level failure is not a row count")
	assert.Zero(t, report.RowsCopied)
}

func TestCopierParallelTables(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(4)}}
	specs := make([]TableSpec, 6)
	for i := range specs {
		specs[i] = TableSpec{Name: "customers", BatchSize: 2}
	}

	sink := newMemSink()
	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables:   specs,
		Mode:     ModeFull,
		Parallel: 4,
	})
	report, err := copier.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(24), report.RowsCopied)
	assert.Len(t, report.Tables, 6)
}

func TestCopierGuardRefusal(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(2)}}
	sink := newMemSink()

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables: []TableSpec{{Name: "customers"}},
		Mode:   ModeFull,
		Guard: func(ctx context.Context) error {
			return errors.New("role qa_loader not permitted")
		},
	})
	_, err := copier.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guard refused run")
	assert.Empty(t, sink.rows("customers"))
}

func TestCopierTruncateOnFull(t *testing.T) {
	source := &memSource{rows: map[string][]dataveil.Row{"customers": customerRows(2)}}
	sink := newMemSink()

	copier := NewCopier(source, sink, newTransformer(t), Config{
		Tables:         []TableSpec{{Name: "customers"}},
		Mode:           ModeFull,
		TruncateOnFull: true,
	})
	_, err := copier.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, sink.truncated)
	assert.Len(t, sink.rows("customers"), 2)
}

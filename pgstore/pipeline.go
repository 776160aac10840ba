package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dataveil/dataveil"
	"github.com/dataveil/dataveil/pipeline"
)

// Compile-time interface satisfaction checks.
var (
	_ pipeline.Source = (*Source)(nil)
	_ pipeline.Sink   = (*Sink)(nil)
)

// Source streams table rows from a source PostgreSQL database in
// LIMIT/OFFSET batches.
type Source struct {
	db *sql.DB
}

// NewSource wraps an open database as a pipeline source.
func NewSource(db *sql.DB) *Source {
	return &Source{db: db}
}

// ReadBatches implements pipeline.Source. With a watermark value the
// query selects only newer rows; otherwise the spec's static filter
// applies. Batches are ordered by the key columns when declared so
// pagination is stable.
func (s *Source) ReadBatches(ctx context.Context, spec pipeline.TableSpec, since string, fn func([]dataveil.Row) error) error {
	var query strings.Builder
	var args []any
	fmt.Fprintf(&query, "SELECT * FROM %s", quoteTable(spec.Name))
	switch {
	case since != "" && spec.WatermarkColumn != "":
		fmt.Fprintf(&query, " WHERE %s > $1", quoteIdent(spec.WatermarkColumn))
		args = append(args, since)
	case spec.Filter != "":
		fmt.Fprintf(&query, " WHERE %s", spec.Filter)
	}
	if len(spec.KeyColumns) > 0 {
		quoted := make([]string, len(spec.KeyColumns))
		for i, c := range spec.KeyColumns {
			quoted[i] = quoteIdent(c)
		}
		fmt.Fprintf(&query, " ORDER BY %s", strings.Join(quoted, ", "))
	}
	fmt.Fprintf(&query, " LIMIT %d OFFSET ", spec.BatchSize)

	for offset := 0; ; offset += spec.BatchSize {
		batch, err := s.readBatch(ctx, spec.Name, query.String()+fmt.Sprint(offset), args)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < spec.BatchSize {
			return nil
		}
	}
}

func (s *Source) readBatch(ctx context.Context, table, query string, args []any) ([]dataveil.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read batch from %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}

	var batch []dataveil.Row
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", table, err)
		}
		row, err := dataveil.NewRow(table, names, values)
		if err != nil {
			return nil, err
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return batch, nil
}

// Sink writes masked batches to a destination PostgreSQL database with
// multi-row inserts, upserting on the spec's key columns when
// declared so reruns are idempotent.
type Sink struct {
	db *sql.DB
}

// NewSink wraps an open database as a pipeline sink.
func NewSink(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// WriteBatch implements pipeline.Sink.
func (s *Sink) WriteBatch(ctx context.Context, spec pipeline.TableSpec, batch []dataveil.Row) error {
	if len(batch) == 0 {
		return nil
	}
	names := batch[0].Names

	var query strings.Builder
	quoted := make([]string, len(names))
	for i, c := range names {
		quoted[i] = quoteIdent(c)
	}
	fmt.Fprintf(&query, "INSERT INTO %s (%s) VALUES ",
		quoteTable(spec.Name), strings.Join(quoted, ", "))

	args := make([]any, 0, len(batch)*len(names))
	for i, row := range batch {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteByte('(')
		for j, v := range row.Values {
			if j > 0 {
				query.WriteString(", ")
			}
			fmt.Fprintf(&query, "$%d", len(args)+1)
			args = append(args, v)
		}
		query.WriteByte(')')
	}

	if len(spec.KeyColumns) > 0 {
		keys := make(map[string]bool, len(spec.KeyColumns))
		conflict := make([]string, len(spec.KeyColumns))
		for i, c := range spec.KeyColumns {
			keys[c] = true
			conflict[i] = quoteIdent(c)
		}
		var updates []string
		for _, c := range names {
			if !keys[c] {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
			}
		}
		fmt.Fprintf(&query, " ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(conflict, ", "), strings.Join(updates, ", "))
	}

	if _, err := s.db.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("write batch to %s: %w", spec.Name, err)
	}
	return nil
}

// Truncate implements pipeline.Sink.
func (s *Sink) Truncate(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+quoteTable(table)); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

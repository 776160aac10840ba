package dataveil

import (
	"fmt"
)

// FieldIdentity identifies a maskable field by its table and column
// name. Identities are fixed once compiled into a Policy.
type FieldIdentity struct {
	Table  string
	Column string
}

// Key returns the canonical "table.column" form used to key vault
// entries and audit records.
func (f FieldIdentity) Key() string {
	return f.Table + "." + f.Column
}

// String implements fmt.Stringer.
func (f FieldIdentity) String() string {
	return f.Key()
}

// Row holds one record of a source table: the table name together with
// the column names and values in table order. Rows are transient and
// owned by the caller; Transform leaves its input row untouched and
// returns a new one.
type Row struct {
	Table  string
	Names  []string
	Values []any
}

// NewRow constructs a Row, checking that names and values line up.
func NewRow(table string, names []string, values []any) (Row, error) {
	if len(names) != len(values) {
		return Row{}, fmt.Errorf(
			"row for table %s: %d column names but %d values", table, len(names), len(values),
		)
	}
	return Row{Table: table, Names: names, Values: values}, nil
}

// Value returns the value of the named column.
func (r Row) Value(column string) (any, error) {
	i, err := r.index(column)
	if err != nil {
		return nil, err
	}
	return r.Values[i], nil
}

// index returns the Names offset of the named column, else an error
func (r Row) index(column string) (int, error) {
	for i, c := range r.Names {
		if c == column {
			return i, nil
		}
	}
	return -1, fmt.Errorf("could not find column %s", column)
}

// Clone returns a copy of the row whose Names and Values slices are
// independent of the original's.
func (r Row) Clone() Row {
	names := make([]string, len(r.Names))
	copy(names, r.Names)
	values := make([]any, len(r.Values))
	copy(values, r.Values)
	return Row{Table: r.Table, Names: names, Values: values}
}

package dataveil

import (
	"context"
)

// Transformer applies the field masker across all policy-declared
// columns of a row. Output rows keep the input's column set and order;
// only declared columns may change value. Safe for concurrent use by
// workers processing different rows.
type Transformer struct {
	policy *Policy
	masker *Masker
}

// NewTransformer couples a compiled policy with its masker.
func NewTransformer(policy *Policy, masker *Masker) *Transformer {
	return &Transformer{policy: policy, masker: masker}
}

// Transform returns a masked copy of the row. The input row is left
// untouched. A table absent from the policy passes through whole;
// columns of a governed table that the policy does not declare pass
// through untouched. A declared column missing from the row fails the
// row: a masking obligation is never silently dropped. Any field
// failure aborts the whole row, so partially masked rows never reach
// the destination.
func (t *Transformer) Transform(ctx context.Context, row Row) (Row, error) {
	out := row.Clone()
	for _, column := range t.policy.Columns(row.Table) {
		field := FieldIdentity{Table: row.Table, Column: column}
		i, err := out.index(column)
		if err != nil {
			return Row{}, &RowMaskingError{Field: field, Err: err}
		}
		masked, err := t.masker.Mask(ctx, field, out.Values[i])
		if err != nil {
			return Row{}, &RowMaskingError{Field: field, Err: err}
		}
		out.Values[i] = masked
	}
	return out, nil
}

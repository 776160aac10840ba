package dataveil

import (
	"errors"
	"fmt"
)

// Sentinel errors of the masking core.
var (
	// ErrVaultUnavailable reports that the vault's backing store could
	// not be reached or written, including deadline expiry. It is fatal
	// for the current row; the coordinator may retry the row or batch.
	ErrVaultUnavailable = errors.New("token vault unavailable")

	// ErrFingerprintExists is returned by VaultStore.Insert when an
	// entry for the same (field, fingerprint) key is already present.
	// The caller must read back the stored masked value and use that.
	ErrFingerprintExists = errors.New("vault entry already exists for fingerprint")

	// ErrMaskedValueTaken is returned by VaultStore.Insert when the
	// candidate masked value is already bound to a different
	// fingerprint of the same field. The caller must regenerate with
	// the next disambiguation attempt.
	ErrMaskedValueTaken = errors.New("masked value already taken for field")
)

// StrategyError reports malformed strategy parameters or an input the
// declared strategy cannot handle. It is fatal to the field and is
// never silently skipped.
type StrategyError struct {
	Strategy string
	Reason   string
	Err      error
}

func (e *StrategyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strategy %s: %s: %v", e.Strategy, e.Reason, e.Err)
	}
	return fmt.Sprintf("strategy %s: %s", e.Strategy, e.Reason)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// RowMaskingError wraps a field-level failure at row scope. A row that
// fails masking is excluded from the destination write; rows are never
// partially masked and forwarded.
type RowMaskingError struct {
	Field FieldIdentity
	Err   error
}

func (e *RowMaskingError) Error() string {
	return fmt.Sprintf("row masking failed on %s: %v", e.Field, e.Err)
}

func (e *RowMaskingError) Unwrap() error {
	return e.Err
}

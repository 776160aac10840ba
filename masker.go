package dataveil

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Masker applies the policy's strategy to one field value, using the
// vault for cross-table consistency and emitting one audit event per
// call. It is the unit of work of the engine and is safe for
// concurrent use.
type Masker struct {
	policy   *Policy
	vault    *Vault
	recorder *Recorder
}

// NewMasker binds a compiled policy to a vault and an audit recorder.
func NewMasker(policy *Policy, vault *Vault, recorder *Recorder) *Masker {
	return &Masker{policy: policy, vault: vault, recorder: recorder}
}

// Mask transforms one value of a policy-declared field. Nil and empty
// values return unchanged so NULL-ness survives into the destination
// schema. Exactly one audit event is emitted per call, success or
// failure, with the vault fingerprint as correlation id.
func (m *Masker) Mask(ctx context.Context, field FieldIdentity, value any) (any, error) {
	strategy, salt, ok := m.policy.Lookup(field)
	if !ok {
		err := fmt.Errorf("field %s not declared in policy", field)
		m.record(field, "", "", OutcomeFailed, err)
		return nil, err
	}

	if value == nil {
		m.record(field, strategy.Name(), "", OutcomePassthrough, nil)
		return nil, nil
	}
	original, err := stringify(value)
	if err != nil {
		serr := &StrategyError{Strategy: strategy.Name(), Reason: fmt.Sprintf("field %s", field), Err: err}
		m.record(field, strategy.Name(), "", OutcomeFailed, serr)
		return nil, serr
	}
	if original == "" {
		m.record(field, strategy.Name(), "", OutcomePassthrough, nil)
		return value, nil
	}

	fingerprint := m.vault.Fingerprint(field, salt, original)

	var masked string
	if strategy.UsesVault() {
		masked, err = m.vault.LookupOrCreate(ctx, field, salt, original, strategy)
	} else {
		masked, err = strategy.Generate(original, 0)
	}
	if err != nil {
		m.record(field, strategy.Name(), fingerprint, OutcomeFailed, err)
		return nil, err
	}

	m.record(field, strategy.Name(), fingerprint, outcomeFor(strategy), nil)
	return masked, nil
}

func (m *Masker) record(field FieldIdentity, strategy, correlationID string, outcome Outcome, cause error) {
	event := AuditEvent{
		ID:            uuid.New(),
		Time:          time.Now().UTC(),
		Field:         field,
		Strategy:      strategy,
		CorrelationID: correlationID,
		Outcome:       outcome,
	}
	if cause != nil {
		event.Reason = cause.Error()
	}
	m.recorder.Record(event)
}

func outcomeFor(s Strategy) Outcome {
	switch s.Name() {
	case StrategyRedact:
		return OutcomeRedacted
	case StrategyPassthrough:
		return OutcomePassthrough
	default:
		return OutcomeMasked
	}
}

// stringify renders a column value for masking. Only scalar kinds a
// sensitive column can plausibly hold are accepted.
func stringify(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("cannot mask value of type %T", value)
	}
}

package dataveil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engine is the fully wired masking core over in-memory stores.
type engine struct {
	policy   *Policy
	store    *MemStore
	sink     *MemAuditSink
	vault    *Vault
	recorder *Recorder
	masker   *Masker
	xform    *Transformer

	// expectedEvents is how many audit events flush waits for.
	expectedEvents int
}

// newEngine compiles the settings and wires up vault, recorder, masker
// and transformer over in-memory stores. The recorder is closed (and
// so flushed) via t.Cleanup, after which the sink holds every event.
func newEngine(t *testing.T, settings Settings) *engine {
	t.Helper()
	policy, err := Compile(settings, NewRegistry())
	require.NoError(t, err)

	e := &engine{
		policy: policy,
		store:  NewMemStore(),
		sink:   NewMemAuditSink(),
	}
	e.vault = NewVault(e.store, []byte("test secret"))
	e.recorder = NewRecorder(e.sink)
	e.masker = NewMasker(policy, e.vault, e.recorder)
	e.xform = NewTransformer(policy, e.masker)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.recorder.Close(ctx)
	})
	return e
}

// flush waits for the recorder's drain goroutine to deliver the
// expected number of events, then returns them.
func (e *engine) flush(t *testing.T) []AuditEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.sink.Events()) >= e.expectedEvents
	}, time.Second, 5*time.Millisecond)
	return e.sink.Events()
}

var customerSettings = Settings{
	"public.customers": []Rule{
		{Strategy: "tokenize", Columns: []string{"email"}, Salt: "customers-v1"},
		{Strategy: "redact", Columns: []string{"ssn"}, Placeholder: "***-**-****"},
	},
}

func TestMaskerNullPreservation(t *testing.T) {
	settings := Settings{
		"t": []Rule{
			{Strategy: "hash", Columns: []string{"a"}},
			{Strategy: "tokenize", Columns: []string{"b"}},
			{Strategy: "redact", Columns: []string{"c"}},
			{Strategy: "passthrough", Columns: []string{"d"}},
			{Strategy: "synthetic", Columns: []string{"e"}, Values: []string{"x"}},
			{Strategy: "uuid", Columns: []string{"f"}},
		},
	}
	e := newEngine(t, settings)
	ctx := context.Background()

	for _, column := range []string{"a", "b", "c", "d", "e", "f"} {
		field := FieldIdentity{Table: "t", Column: column}
		out, err := e.masker.Mask(ctx, field, nil)
		require.NoError(t, err)
		assert.Nil(t, out, "nil must survive %s unmasked", column)

		out, err = e.masker.Mask(ctx, field, "")
		require.NoError(t, err)
		assert.Equal(t, "", out, "empty string must survive %s unmasked", column)
	}
	assert.Equal(t, 0, e.store.Len(), "null and empty values must not create vault entries")
}

func TestMaskerRedactScenario(t *testing.T) {
	e := newEngine(t, customerSettings)
	ctx := context.Background()
	field := FieldIdentity{Table: "public.customers", Column: "ssn"}

	e.expectedEvents = 2
	for _, ssn := range []string{"078-05-1120", "219-09-9999"} {
		out, err := e.masker.Mask(ctx, field, ssn)
		require.NoError(t, err)
		assert.Equal(t, "***-**-****", out)
	}

	events := e.flush(t)
	require.Len(t, events, 2, "one audit event per mask call")
	for _, event := range events {
		assert.Equal(t, OutcomeRedacted, event.Outcome)
		assert.Equal(t, field, event.Field)
		assert.Equal(t, "redact", event.Strategy)
	}
	assert.Equal(t, 0, e.store.Len(), "redaction needs no vault entry")
}

func TestMaskerAuditCorrelation(t *testing.T) {
	e := newEngine(t, customerSettings)
	ctx := context.Background()
	field := FieldIdentity{Table: "public.customers", Column: "email"}

	e.expectedEvents = 1
	masked, err := e.masker.Mask(ctx, field, "alice@example.com")
	require.NoError(t, err)

	events := e.flush(t)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, OutcomeMasked, event.Outcome)
	assert.NotEqual(t, [16]byte{}, [16]byte(event.ID))

	// the correlation id finds the vault entry
	entry, ok := e.store.Entry(field, event.CorrelationID)
	require.True(t, ok, "correlation id must resolve to a vault entry")
	assert.Equal(t, masked, entry.Masked)

	// the event never carries values
	assert.NotContains(t, event.CorrelationID, "alice")
	assert.NotContains(t, event.Reason, "alice")
	assert.NotEqual(t, masked, event.CorrelationID)
}

func TestMaskerUnsupportedValueKind(t *testing.T) {
	e := newEngine(t, customerSettings)
	field := FieldIdentity{Table: "public.customers", Column: "email"}

	_, err := e.masker.Mask(context.Background(), field, []string{"not", "scalar"})
	require.Error(t, err)
	var serr *StrategyError
	assert.ErrorAs(t, err, &serr)
}

func TestMaskerUndeclaredField(t *testing.T) {
	e := newEngine(t, customerSettings)
	_, err := e.masker.Mask(context.Background(),
		FieldIdentity{Table: "public.customers", Column: "id"}, "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared in policy")
}

func TestMaskerScalarKinds(t *testing.T) {
	e := newEngine(t, Settings{
		"t": []Rule{{Strategy: "hash", Columns: []string{"v"}, Length: 12}},
	})
	field := FieldIdentity{Table: "t", Column: "v"}
	ctx := context.Background()

	for _, value := range []any{
		"text", []byte("bytes"), true, 42, int64(42), uint32(7),
		3.14, float32(2.5), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	} {
		out, err := e.masker.Mask(ctx, field, value)
		require.NoError(t, err, "value %v (%T)", value, value)
		assert.IsType(t, "", out)
	}
}

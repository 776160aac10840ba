package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "last_run.json")
	store := &FileState{Path: path}

	// missing file loads as empty state
	state, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, state)

	state["customers"] = "2025-06-05T00:00:00Z"
	state["orders"] = "2025-06-01T12:30:00Z"
	require.NoError(t, store.Save(state))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestFileStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_run.json")
	store := &FileState{Path: path}
	require.NoError(t, store.Save(State{}))

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err := store.Load()
	assert.Error(t, err)
}

func TestMemStateIsolatesCopies(t *testing.T) {
	store := &MemState{}
	require.NoError(t, store.Save(State{"customers": "a"}))

	loaded, err := store.Load()
	require.NoError(t, err)
	loaded["customers"] = "mutated"

	again, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a", again["customers"], "Load must return an independent copy")
}

func TestRenderWatermark(t *testing.T) {
	at := time.Date(2025, 6, 5, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-05T10:30:00Z", renderWatermark(at))
	assert.Equal(t, "plain", renderWatermark("plain"))
	assert.Equal(t, "42", renderWatermark(42))

	// RFC 3339 rendering keeps lexicographic order aligned with time
	later := renderWatermark(at.Add(time.Hour))
	assert.Greater(t, later, renderWatermark(at))
}

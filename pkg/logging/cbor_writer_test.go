package logging

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBORWriter_ReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")
	w, err := NewCBORWriter(path)
	require.NoError(t, err)

	ts := time.Date(2026, 2, 23, 14, 30, 0, 123456789, time.UTC)
	require.NoError(t, w.Write(&Event{
		Timestamp: ts,
		RunID:     "run-1",
		Host:      "h",
		EventType: EventDecision,
		Summary:   "allow",
		Plugin:    "exec",
		Tags:      []string{"permission"},
		Data:      json.RawMessage(`{"path":"/tmp/x","allowed":true,"process":{"pid":7,"uid":0}}`),
	}))
	require.NoError(t, w.Write(testEvent("second")))
	require.NoError(t, w.Close())

	events, err := ReadCBOR(path)
	require.NoError(t, err)
	require.Len(t, events, 2)

	got := events[0]
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, "exec", got.Plugin)
	assert.Equal(t, []string{"permission"}, got.Tags)
	assert.JSONEq(t, `{"path":"/tmp/x","allowed":true,"process":{"pid":7,"uid":0}}`, string(got.Data))

	assert.Equal(t, "second", events[1].Summary)
	assert.Nil(t, events[1].Data)
}

func TestCBORWriter_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")
	for _, s := range []string{"a", "b"} {
		w, err := NewCBORWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.Write(testEvent(s)))
		require.NoError(t, w.Close())
	}
	events, err := ReadCBOR(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billing/pkg/billing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Warn("data integrity warning",
		billing.Field{Key: "invoice_id", Value: "inv_1"},
		billing.Field{Key: "current_status", Value: billing.InvoicePaid},
		billing.Field{Key: "error", Value: errors.New("non-monotonic")},
		billing.Field{Key: "took", Value: 1500 * time.Millisecond},
		billing.Field{Key: "attempts", Value: 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "data integrity warning", entry["message"])
	assert.Equal(t, "inv_1", entry["invoice_id"])
	assert.Equal(t, "paid", entry["current_status"])
	assert.Equal(t, "non-monotonic", entry["error"])
	assert.Equal(t, 1500.0, entry["took"])
	assert.Equal(t, 3.0, entry["attempts"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "WARN", false)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Contains(t, entries[0], "time")
}

func TestLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "chatty", false)

	logger.Debug("hidden")
	logger.Info("shown")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf)).With(billing.Field{Key: "component", Value: "processor"})

	logger.Info("event processed", billing.Field{Key: "event_id", Value: "evt_1"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "processor", entries[0]["component"])
	assert.Equal(t, "evt_1", entries[0]["event_id"])
}

func TestLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", true).Info("hello", billing.Field{Key: "k", Value: "v"})
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=")
}

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			require.NotNil(t, Log)
			assert.True(t, Log.Enabled(ParseLevel(tt.level)))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("Debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "json")

	l.Info("multi-field test",
		"string_field", "value",
		"int_field", 42,
		"bool_field", true,
		"err", errors.New("boom"),
		"dangling",
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "multi-field test", entry["message"])
	assert.Equal(t, "value", entry["string_field"])
	assert.Equal(t, float64(42), entry["int_field"])
	assert.Equal(t, true, entry["bool_field"])
	assert.Equal(t, "boom", entry["err"])
	assert.NotContains(t, entry, "dangling")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "json").With("component", "quantize")
	l.Error("failed", "node", "MatMul_0")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "quantize", entry["component"])
	assert.Equal(t, "MatMul_0", entry["node"])
	assert.Equal(t, "error", entry["level"])
}

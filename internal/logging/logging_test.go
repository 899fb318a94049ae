package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"info":  zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"error": zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", false)
	require.NoError(t, err)

	logger.WithName("scheduler").Info("Queued task", "dag", "etl", "task", "extract")
	logger.V(1).Info("hidden at info level")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "Queued task", entry["msg"])
	assert.Equal(t, "scheduler", entry["logger"])
	assert.Equal(t, "etl", entry["dag"])
}

func TestNew_DebugShowsVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", false)
	require.NoError(t, err)
	logger.V(1).Info("verbose")
	assert.Contains(t, buf.String(), "verbose")
}

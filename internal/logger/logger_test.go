package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerIsNop(t *testing.T) {
	assert.NotPanics(t, func() {
		LogInfo("before init", map[string]any{"k": "v"})
		LogError("before init", nil, nil)
		Component("test").Debugw("trace", "record", 16)
	})
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ntfs.log")
	l, err := NewLogger(LoggerConfig{Debug: true, LogFormat: "json", LogFile: path})
	require.NoError(t, err)

	l.Debugw("mapped block", "record", 42)
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mapped block")
	assert.Contains(t, string(data), `"record":42`)
}

func TestFlattenFields(t *testing.T) {
	flat := flattenFields(map[string]any{"a": 1})
	assert.Equal(t, []any{"a", 1}, flat)
	assert.Empty(t, flattenFields(nil))
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFilePath(t *testing.T) {
	appName := "grotto-bridge"
	logPath, err := DefaultFilePath(appName)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(logPath), "expected absolute path, got %s", logPath)

	homeDir, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		assert.Equal(t, filepath.Join(homeDir, "Library", "Logs", appName, appName+".log"), logPath)
	case "linux":
		assert.Equal(t, filepath.Join(homeDir, ".local", "state", appName, appName+".log"), logPath)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelDebug, Format: FormatJSON, Output: &buf})

	logger.Debug("session opened", slog.String("session", "abc"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session opened", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
	assert.Equal(t, "DEBUG", entry["level"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Format: FormatText, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestOpenFile_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "bridge.log")

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("hello\n")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.log")

	// A file under the limit is left alone
	require.NoError(t, os.WriteFile(path, []byte("small"), 0644))
	require.NoError(t, rotateIfNeeded(path))
	_, err := os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))

	// A file over the limit is shifted to .1 and older backups move up
	require.NoError(t, os.WriteFile(path+".1", []byte("older"), 0644))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", maxLogSize)), 0644))
	require.NoError(t, rotateIfNeeded(path))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, rotated, maxLogSize)

	older, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "older", string(older))
}

func TestRotateIfNeeded_Missing(t *testing.T) {
	assert.NoError(t, rotateIfNeeded(filepath.Join(t.TempDir(), "absent.log")))
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
}

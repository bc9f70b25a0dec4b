package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	l, err := New(config.LogConfig{
		Level:   "debug",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	l.Debug("hello", zap.String("connectionId", "abcdefghij"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"msg":"hello"`), line)
	assert.True(t, strings.Contains(line, `"connectionId":"abcdefghij"`), line)
}

func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := New(config.LogConfig{Level: "warn", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestNewRotatingOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rotated.log")
	l, err := New(config.LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{path},
		Rotation: config.RotationConfig{
			Enable:    true,
			MaxSizeMB: 1,
		},
	})
	require.NoError(t, err)

	l.Info("through lumberjack")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "through lumberjack")
}

func TestSetGlobal(t *testing.T) {
	l := zap.NewNop()
	undo := SetGlobal(l)
	assert.Same(t, l, zap.L())
	undo()
	assert.NotSame(t, l, zap.L())
}

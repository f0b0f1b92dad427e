package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "serve", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Run the lightmux daemon in the foreground")
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		path, _ := writeConfig(t, map[string]interface{}{
			"engine": map[string]interface{}{"max_sessions": 0},
		})

		_, err := execute(t, "serve", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_sessions")
	})

	t.Run("refuses when already running", func(t *testing.T) {
		path, dataDir := writeConfig(t, nil)
		require.NoError(t, os.MkdirAll(dataDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "lightmux.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

		_, err := execute(t, "serve", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})
}

func TestIsRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")
	assert.False(t, isRunning(pidFile))

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
	assert.True(t, isRunning(pidFile))
}

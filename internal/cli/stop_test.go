package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		res := run(t, "", "stop", "--help")
		require.NoError(t, res.err)

		assert.Contains(t, res.stdout, "Stop a running ragent gateway")
		assert.Contains(t, res.stdout, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		path := writeTestConfig(t, nil)

		res := run(t, "", "stop", "--config", path)
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "not running")
	})

	t.Run("stale PID file", func(t *testing.T) {
		dataDir := t.TempDir()
		path := writeTestConfig(t, func(c map[string]any) { c["data_dir"] = dataDir })
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ragent.pid"), []byte("not-a-pid"), 0644))

		res := run(t, "", "stop", "--config", path)
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "not running")
	})
}

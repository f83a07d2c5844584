package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		res := run(t, "", "status", "--help")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "health of its components")
	})

	t.Run("stopped without PID file", func(t *testing.T) {
		path := writeTestConfig(t, nil)

		res := run(t, "", "status", "--config", path)
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "Status: stopped")
	})

	t.Run("running reports PID", func(t *testing.T) {
		dataDir := t.TempDir()
		path := writeTestConfig(t, func(c map[string]any) {
			c["data_dir"] = dataDir
			c["gateway"] = map[string]any{"host": "127.0.0.1", "port": 1}
		})
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ragent.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

		res := run(t, "", "status", "--config", path)
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "Status: running")
		assert.Contains(t, res.stdout, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, res.stdout, "Health: unknown")
	})
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false,"components":{"model":{"healthy":false,"required":true,"error":"timeout"},"store":{"healthy":true,"required":true}}}`))
	}))
	defer srv.Close()

	report, err := fetchHealth(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.Contains(t, report.Components, "model")
	assert.Equal(t, "timeout", report.Components["model"].Error)
	assert.True(t, report.Components["store"].Healthy)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

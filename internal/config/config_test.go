package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Knobs(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 4, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, 60, cfg.Reaper.IntervalMinutes)
	assert.Equal(t, 500_000, cfg.Limits.MaxRecordsPerImport)
	assert.Equal(t, int64(100<<20), cfg.Limits.MaxPayloadBytes)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout.Std())
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	content := `
dataDir: /var/lib/loom
addr: ":9090"
logLevel: debug
timezone: Europe/Berlin
apiKey: secret
scheduler:
  interval: 10s
  maxConcurrent: 8
limits:
  maxRecordsPerImport: 1000
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loom", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 1000, cfg.Limits.MaxRecordsPerImport)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Webhooks.PollInterval.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTemp(t, "addr: \":9090\"\nlogLevel: warn\n")
	t.Setenv("LOOM_ADDR", ":7070")
	t.Setenv("LOOM_DATA_DIR", "/srv/loom")
	t.Setenv("LOOM_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "/srv/loom", cfg.DataDir)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidLogLevel_ReturnsError(t *testing.T) {
	path := writeTemp(t, "logLevel: verbose\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logLevel")
}

func TestLoad_InvalidTimezone_ReturnsError(t *testing.T) {
	path := writeTemp(t, "timezone: Mars/Olympus\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestLoad_ZeroConcurrency_ReturnsError(t *testing.T) {
	path := writeTemp(t, "scheduler:\n  maxConcurrent: -1\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "logLevel: info")
	t.Setenv("LOOM_CONFIG", tmp)

	assert.Equal(t, tmp, ResolvePath())
}

func TestResolvePath_NoEnvVar_FallsBackToDefault(t *testing.T) {
	t.Setenv("LOOM_CONFIG", "")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loom.yaml"), []byte("logLevel: info"), 0o644))

	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(origDir)

	assert.Equal(t, "loom.yaml", ResolvePath())
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("LOOM_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(origDir)

	assert.Equal(t, "", ResolvePath())
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		assert.Equal(t, tt.want, cfg.SlogLevel())
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8410, cfg.Server.Port)
	assert.Equal(t, 5100, cfg.Docker.PortStart)
	assert.Equal(t, 5199, cfg.Docker.PortEnd)
	assert.Equal(t, 5, cfg.Docker.MaxContainers)
	assert.Equal(t, 0.45, cfg.Gateway.ConfidenceThreshold)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  log_level: debug
docker:
  max_containers: 2
llm:
  default_provider: ollama
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 2, cfg.Docker.MaxContainers)
	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("OLLAMA_URL", "http://10.0.0.2:11434")
	t.Setenv("PORT", "9100")
	t.Setenv("DOCKER_MAX_CONTAINERS", "7")
	t.Setenv("SCHEDULER_DAILY_BUDGET", "11")

	dir := t.TempDir()
	path := filepath.Join(dir, "llmos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.2:11434", cfg.LLM.Ollama.URL)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Docker.MaxContainers)
	assert.Equal(t, 11, cfg.Scheduler.DailyBudget)
}

func TestValidate_RejectsWildcardHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  host: 0.0.0.0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsInvertedPortRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("docker:\n  port_start: 6000\n  port_end: 5000\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_ClampsSchedulerInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  min_interval: 1s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Scheduler.MinInterval)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}

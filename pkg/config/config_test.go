package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, 3*time.Second, cfg.BootstrapTimeout)
	assert.Equal(t, 2*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 20*time.Second, cfg.MaxWait)
	assert.Equal(t, uint64(5), cfg.ReconnectMaxAttempts)
	assert.Equal(t, 5, cfg.QueueRetryCeiling)
	assert.Equal(t, "localhost:8080", cfg.ListenAddr)
	assert.Equal(t, 5.0, cfg.SaveRate)
	assert.Equal(t, 10, cfg.SaveBurst)
}

func TestLoad_YamlFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: https://relay.example.com
bootstrap_timeout: 7s
max_wait: 45s
save_burst: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", cfg.ServerURL)
	assert.Equal(t, 7*time.Second, cfg.BootstrapTimeout)
	assert.Equal(t, 45*time.Second, cfg.MaxWait)
	assert.Equal(t, 3, cfg.SaveBurst)
	// untouched keys keep their defaults
	assert.Equal(t, 2*time.Second, cfg.DebounceWindow)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DOCRELAY_SERVER_URL", "https://env.example.com")
	t.Setenv("DOCRELAY_BOOTSTRAP_TIMEOUT", "9s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.ServerURL)
	assert.Equal(t, 9*time.Second, cfg.BootstrapTimeout)
}

func TestLoad_MalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

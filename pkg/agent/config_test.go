package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := &Config{
		ServerURL:       "https://coordinator.example.com",
		AgentGUID:       "agt_01jx3y5k9m2p4q6r8s0t1v2w3x",
		APIKey:          "agt_key_deadbeef",
		AgentName:       "studio-mini",
		AuthorizedRoots: []string{"/photos"},
	}
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ServerURL, loaded.ServerURL)
	assert.Equal(t, cfg.APIKey, loaded.APIKey)
	assert.True(t, loaded.Registered())

	// Defaults fill in on load.
	assert.Equal(t, 30, loaded.HeartbeatIntervalSeconds)
	assert.Equal(t, 10, loaded.PollIntervalSeconds)
	assert.Equal(t, "info", loaded.LogLevel)
}

func TestLoadConfigMissingServerURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent_name: test\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_url")
}

func TestLoadConfigUnparseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	cfg := &Config{ServerURL: "https://c.example.com"}
	assert.False(t, cfg.Registered())

	cfg.AgentGUID = "agt_01jx3y5k9m2p4q6r8s0t1v2w3x"
	assert.False(t, cfg.Registered())

	cfg.APIKey = "agt_key_deadbeef"
	assert.True(t, cfg.Registered())
}

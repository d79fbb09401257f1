package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate_RejectsEmptySocket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Socket = ""
	require.Error(t, cfg.Validate())
}

func TestConfig_Validate_RequiresPortWhenNetworkControlEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetworkControl = true
	cfg.NetworkPort = 0
	require.Error(t, cfg.Validate())
}

func TestConfig_SaveAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.NetworkControl = true
	cfg.NetworkPort = 9100

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg.NetworkPort, loaded.NetworkPort)
	require.True(t, loaded.NetworkControl)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

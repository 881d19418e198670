package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresAuthToken(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.yaml"), []byte("authToken: from-file\nport: 5000\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.AuthToken)
	require.Equal(t, 5000, cfg.Port)

	t.Setenv("HARNESS_PORT", "6000")
	t.Setenv("HARNESS_AUTH_TOKEN", "from-env")

	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.AuthToken)
	require.Equal(t, 6000, cfg.Port)
}

func TestDefaultsFillUnsetFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.yaml"), []byte("authToken: tok\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 4777, cfg.Port)
	require.Equal(t, 30, cfg.GraceSeconds)
	require.Equal(t, filepath.Join(dir, "control-plane.sqlite"), cfg.StateDBPath)
}

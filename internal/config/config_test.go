package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
proxy-key: secret
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "secret", cfg.ProxyKey)
	require.Equal(t, 5*time.Minute, cfg.Quota.ProactiveRefreshBuffer())
	require.Equal(t, 300*time.Second, cfg.Quota.ExhaustionCooldownThreshold())
	require.Equal(t, 64, cfg.Batch.Size)
	require.Equal(t, 100*time.Millisecond, cfg.Batch.Timeout())
	require.Equal(t, "./credentials", cfg.CredentialDir)
}

func TestLoad_ExplicitValuesOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
proxy-key: secret
credential-dir: /var/lib/gateway/creds
batch:
  size: 32
  timeout-millis: 250
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gateway/creds", cfg.CredentialDir)
	require.Equal(t, 32, cfg.Batch.Size)
	require.Equal(t, 250*time.Millisecond, cfg.Batch.Timeout())
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

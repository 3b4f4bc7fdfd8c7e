package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.ServiceName, cfg.ServiceName)
	assert.True(t, cfg.RequestMonitoring)
	assert.True(t, cfg.ExceptionMonitoring)
	assert.True(t, cfg.MetricsMonitoring)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, def.Backtrace.Silencers, cfg.Backtrace.Silencers)
	assert.Equal(t, "unmatched", cfg.UnmatchedRoute)
	assert.NotEmpty(t, cfg.AppRoot, "app root defaults to the working directory")
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
service_name: shop
environment: production
request_monitoring: false
app_root: /srv/shop
routes:
  - GET /users/:id
  - /health
storage:
  driver: sqlite
  dsn: /var/lib/shop/reqorder.db
recordings:
  - header: X-Debug
    value: "1"
    enabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("REQORDER_ENVIRONMENT", "staging")
	t.Setenv("REQORDER_STORAGE_STATISTICS", "redis")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment, "environment overrides the file")
	assert.False(t, cfg.RequestMonitoring)
	assert.True(t, cfg.ExceptionMonitoring)
	assert.Equal(t, "/srv/shop", cfg.AppRoot)
	assert.Equal(t, []string{"GET /users/:id", "/health"}, cfg.Routes)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.Storage.Statistics)
	require.Len(t, cfg.Recordings, 1)
	assert.Equal(t, RecordingConfig{Header: "X-Debug", Value: "1", Enabled: true}, cfg.Recordings[0])
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("routes: [unclosed"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

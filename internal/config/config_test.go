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
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.BaseBackoff)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.MaxBackoff)
	assert.Equal(t, 0.7, cfg.Pipeline.OCRDensityThreshold)
	assert.Equal(t, int64(100*1024*1024), cfg.Pipeline.MaxFileSizeBytes())
	assert.Equal(t, "local", cfg.Governor.Backend)
	assert.Equal(t, 4, cfg.Governor.Workers)
	assert.Equal(t, 100, cfg.Governor.QueueLimit)
	assert.Equal(t, 50, cfg.Governor.DailyLimit)
	assert.Equal(t, "@every 30s", cfg.Governor.ReapSchedule)
	assert.Equal(t, "por+eng", cfg.OCR.Languages)
	assert.Equal(t, "America/Sao_Paulo", cfg.Timezone)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("DAILY_PROCESSING_LIMIT", "3")
	t.Setenv("DISPATCH_BACKEND", "asynq")
	t.Setenv("PIPELINE_BASE_BACKOFF", "500ms")
	t.Setenv("OIDC_ISSUER", "https://id.example.com")
	t.Setenv("GATEWAY_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Governor.Workers)
	assert.Equal(t, 3, cfg.Governor.DailyLimit)
	assert.Equal(t, "asynq", cfg.Governor.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.BaseBackoff)
	assert.Equal(t, "https://id.example.com", cfg.OIDC.Issuer)
	assert.True(t, cfg.Gateway.Enabled)
}

func TestLoad_SecretFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "jwt_secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := "governor:\n  queue_limit: 7\nstore:\n  driver: sqlite\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Governor.QueueLimit)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

// chdir changes the working directory for the duration of the test,
// restoring the previous one on cleanup (equivalent to testing.T.Chdir,
// which is unavailable before Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_PASS", "secret")
	t.Setenv("FB_APP_SECRET", "app-secret")
	t.Setenv("FB_VERIFY_TOKEN", "verify-me")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, "inbox_redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "v19.0", cfg.Facebook.GraphVersion)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.DedupTTL)
	assert.Equal(t, 300*time.Millisecond, cfg.Pipeline.OwnerNotifyDelay)
	assert.Equal(t, 70.0, cfg.Watchdog.DiskThreshold)
	assert.Equal(t, int64(100<<20), cfg.Media.MaxBytes)
	assert.False(t, cfg.Firebase.Enabled())
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("DB_PASS", "secret")
	t.Setenv("FB_VERIFY_TOKEN", "verify-me")
	os.Unsetenv("FB_APP_SECRET")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "invalid config")
}

func TestLoadConfig_NegativeMediaCap(t *testing.T) {
	setRequired(t)
	t.Setenv("MEDIA_MAX_BYTES", "-1")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "invalid config")
}

func TestLoadConfig_EnvFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PIPELINE_WORKERS=3\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PIPELINE_WORKERS") })

	cfg, err := LoadConfig(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
}

func TestGetDSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: 3306, User: "u", Password: "p", Database: "inbox"}
	assert.Equal(t, "u:p@tcp(db:3306)/inbox?parseTime=true&loc=UTC&charset=utf8mb4", c.GetDSN())
	assert.Equal(t, "mysql://u:p@tcp(db:3306)/inbox?multiStatements=true", c.GetMigrateURL())
}

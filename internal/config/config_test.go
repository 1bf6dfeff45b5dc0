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
	t.Setenv("POSTGRES_HOST", "")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultDB, cfg.DB)
	assert.Equal(t, 0.26, cfg.Liveness.EARThreshold)
	assert.Equal(t, 0.08, cfg.Liveness.MinEARChange)
	assert.Equal(t, 2, cfg.Liveness.RequiredBlinks)
	assert.Equal(t, 0.5, cfg.Matcher.Tolerance)
	assert.Equal(t, "single-shot", cfg.Session.Policy)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "hog", cfg.EngineConfig().Model)
	assert.Equal(t, "/dev/video0", cfg.DeviceConfig().Device)
	assert.True(t, cfg.DeviceConfig().Live)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rollcall.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
db: memory://
group: 7A
matcher:
  tolerance: 0.45
session:
  policy: continuous
  max_duration: 90s
`), 0o600))

	t.Setenv("ROLLCALL_MATCHER_TOLERANCE", "0.4")
	t.Setenv("ROLLCALL_LIVENESS_REQUIRED_BLINKS", "3")

	cfg, err := Load(New(), file)
	require.NoError(t, err)

	assert.Equal(t, "memory://", cfg.DB)
	assert.Equal(t, "7A", cfg.Group)
	assert.Equal(t, 0.4, cfg.Matcher.Tolerance, "env beats file")
	assert.Equal(t, 3, cfg.LivenessConfig().RequiredBlinks)
	assert.Equal(t, "continuous", cfg.Session.Policy)
	assert.Equal(t, 90*time.Second, cfg.Session.MaxDuration)
}

func TestDSNFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "kiosk")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "school")
	t.Setenv("POSTGRES_PORT", "")

	assert.Equal(t, "postgres://kiosk:secret@db:5432/school", DSNFromEnv())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROLLCALL_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ROLLCALL_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("ROLLCALL_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Session.Policy = "sometimes"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Matcher.Tolerance = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Timezone = "Mars/Olympus_Mons"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Timezone = "Africa/Nairobi"
	require.NoError(t, cfg.Validate())
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Africa/Nairobi", loc.String())

	cfg = base()
	cfg.Engine.Count = 0
	assert.Error(t, cfg.Validate())
}

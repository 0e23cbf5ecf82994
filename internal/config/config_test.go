package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func hasField(errs ValidationErrors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate()
	assert.False(t, errs.HasErrors(), errs.Error())
	assert.Equal(t, int64(16), cfg.EngineWorkers)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffScale.Duration)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeFile(t, `
engineWorkers: 4
callTimeout: 5s
rollingPollInterval: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cfg.EngineWorkers)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.RollingPollInterval.Duration)
	assert.Equal(t, 5, cfg.MaxRetries, "unset fields keep their defaults")
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "engineWorkerz: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engineWorkerz")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.EngineWorkers = 0
	cfg.MaxRetries = -1
	cfg.BackoffCap.Duration = time.Millisecond
	cfg.JitterMax.Duration = 0
	cfg.ClientQPS = 0

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	for _, field := range []string{"engineWorkers", "maxRetries", "backoffCap", "jitterMax", "clientQPS"} {
		assert.True(t, hasField(errs, field), field)
	}
	assert.True(t, strings.Contains(errs.Error(), "engineWorkers: must be positive"))
}

func TestValidationError_Format(t *testing.T) {
	assert.Equal(t, "a: b (c)", ValidationError{Field: "a", Message: "b", Hint: "c"}.Error())
	assert.Equal(t, "a: b", ValidationError{Field: "a", Message: "b"}.Error())
	assert.Equal(t, "", ValidationErrors(nil).Error())
}

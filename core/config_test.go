package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	opts := config.ThinkingOptions()
	assert.Equal(t, 3, opts.MinThoughts)
	assert.Equal(t, 5, opts.MaxThoughts)
	assert.Equal(t, 600*time.Millisecond, opts.StepDelay)
	assert.Equal(t, 200*time.Second, opts.GenerationTimeout)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GENERATOR_BACKEND", "STREAM")
	t.Setenv("UPSTREAM_URL", "http://reasoner:8000")
	t.Setenv("MAX_THOUGHTS", "7")
	t.Setenv("STEP_DELAY_MS", "0")
	t.Setenv("LOCK_TIMEOUT", "30")
	t.Setenv("SESSION_MAX_AGE_HOURS", "2")
	t.Setenv("RATE_LIMIT", "2.5")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9090", config.Port)
	assert.Equal(t, BackendStream, config.GeneratorBackend)
	assert.Equal(t, "http://reasoner:8000", config.UpstreamURL)
	assert.Equal(t, 7, config.MaxThoughts)
	assert.Equal(t, time.Duration(0), config.StepDelay)
	assert.Equal(t, 30*time.Second, config.LockTimeout)
	assert.Equal(t, 2*time.Hour, config.SessionMaxAge)
	assert.Equal(t, 2.5, config.RateLimit)
	assert.Equal(t, 3, config.MaxAttempts)
}

func TestLoadConfigFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqthink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\nminThoughts: 4\nmaxThoughts: 6\ncontextLimit: 3\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "7001", config.Port)
	assert.Equal(t, 4, config.MinThoughts)
	assert.Equal(t, 6, config.MaxThoughts)
	assert.Equal(t, 3, config.ContextLimit)
}

func TestLoadConfigGeminiWithoutKeyFallsBack(t *testing.T) {
	t.Setenv("GENERATOR_BACKEND", "gemini")
	t.Setenv("GEMINI_API_KEY", "")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendOllama, config.GeneratorBackend)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Run("min above max", func(t *testing.T) {
		t.Setenv("MIN_THOUGHTS", "8")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("bad echo pattern", func(t *testing.T) {
		t.Setenv("THOUGHT_ECHO_PATTERN", "([")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("missing config file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestInitializeLoggerLevel(t *testing.T) {
	config := DefaultConfig()
	config.LogLevel = "debug"
	assert.Equal(t, "debug", InitializeLogger(config).GetLevel().String())

	config.LogLevel = "nonsense"
	assert.Equal(t, "info", InitializeLogger(config).GetLevel().String())

	config.LogLevel = "error"
	config.DebugMode = true
	assert.Equal(t, "debug", InitializeLogger(config).GetLevel().String())
}

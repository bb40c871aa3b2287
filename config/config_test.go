// bgtask/config/config_test.go
package config_test

import (
	"testing"
	"time"

	"bgtask/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		cfg, err := config.Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, time.Second, cfg.MaxPollInterval)
		assert.Equal(t, 1.5, cfg.PollBackoff)
		assert.Equal(t, 300*time.Second, cfg.DefaultWaitTimeout)
		assert.Equal(t, time.Hour, cfg.ResultKeepAlive)
		assert.Equal(t, 16, cfg.MaxConcurrentTasks)
		assert.Equal(t, 2*time.Second, cfg.ProgressLogThrottle)
		assert.Equal(t, time.Second, cfg.ToolTimeUnit)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, int64(64*1024*1024), cfg.ThrottleFreeMem)
		assert.Equal(t, int64(1024*1024), cfg.MaxRequestSize)
	})

	t.Run("defaults match Default()", func(t *testing.T) {
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, config.Default(), cfg)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("BGTASK_PORT", "9999")
		t.Setenv("BGTASK_MAX_CONCURRENT_TASKS", "4")
		t.Setenv("BGTASK_POLL_INTERVAL", "20ms")
		t.Setenv("BGTASK_RESULT_KEEP_ALIVE", "90s")
		t.Setenv("BGTASK_AUTH_ENABLE", "true")
		t.Setenv("BGTASK_AUTH_KEY", "newsecret")
		t.Setenv("BGTASK_MAX_REQUEST_SIZE", "2MB")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrentTasks)
		assert.Equal(t, 20*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, 90*time.Second, cfg.ResultKeepAlive)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, int64(2*1024*1024), cfg.MaxRequestSize)
	})

	t.Run("rejects malformed durations", func(t *testing.T) {
		t.Setenv("BGTASK_DEFAULT_WAIT_TIMEOUT", "soon")

		_, err := config.Load()
		assert.Error(t, err)
	})
}

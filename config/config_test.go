// framestream/config/config_test.go
package config_test

import (
	"framestream/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		cfg, err := config.Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, "ffprobe", cfg.FFProbeBin)
		assert.Equal(t, 16, cfg.QueueCapacity)
		assert.Equal(t, 3*time.Second, cfg.PollTimeout)
		assert.Equal(t, 5*time.Minute, cfg.StallTimeout)
		assert.Equal(t, time.Hour, cfg.CleanupAge)
		assert.Equal(t, int64(200*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, []string{"example_*", "example-*"}, cfg.ProtectedPatterns)
		assert.Len(t, cfg.CORSOrigins, 3)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("FRAMESTREAM_PORT", "9999")
		t.Setenv("FRAMESTREAM_QUEUE_CAPACITY", "4")
		t.Setenv("FRAMESTREAM_POLL_TIMEOUT", "750ms")
		t.Setenv("FRAMESTREAM_MAX_INPUT_SIZE", "50MB")
		t.Setenv("FRAMESTREAM_PROTECTED_PATTERNS", "demo-*, sample.mp4")
		t.Setenv("FRAMESTREAM_LOG_FORMAT", "json")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.QueueCapacity)
		assert.Equal(t, 750*time.Millisecond, cfg.PollTimeout)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, []string{"demo-*", "sample.mp4"}, cfg.ProtectedPatterns)
		assert.Equal(t, "json", cfg.LogFormat)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		t.Setenv("FRAMESTREAM_QUEUE_CAPACITY", "0")

		_, err := config.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestIsProtected(t *testing.T) {
	cfg := &config.Config{ProtectedPatterns: []string{"example_*", "keep.mp4"}}

	assert.True(t, cfg.IsProtected("example_dance.mp4"))
	assert.True(t, cfg.IsProtected("keep.mp4"))
	assert.False(t, cfg.IsProtected("upload-123.mp4"))
	assert.False(t, cfg.IsProtected(""))
}

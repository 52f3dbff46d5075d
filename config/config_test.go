package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"redis_addr": "redis.internal:6380",
		"workers_per_queue": 4,
		"breaker_failure_threshold": 7
	}`), 0644))

	var cfg AppConfig
	require.NoError(t, Load(&File{ConfigFilePath: path}, &cfg))
	cfg.ApplyDefaults()

	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 4, cfg.WorkersPerQueue)
	assert.Equal(t, uint32(7), cfg.BreakerFailureThreshold)
	// Untouched knobs fall back to defaults.
	assert.Equal(t, 3, cfg.MaxRetriesDefault)
	assert.Equal(t, []string{"audio_processing", "text_processing", "transcription_only"}, cfg.QueueNames)
}

func TestFileCheck(t *testing.T) {
	err := Load(&File{}, &AppConfig{})
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var cfg AppConfig
	cfg.ApplyDefaults()

	assert.Equal(t, 2, cfg.WorkersPerQueue)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.DownstreamTimeout())
	assert.Equal(t, uint32(5), cfg.BreakerFailureThreshold)
	assert.Equal(t, uint32(3), cfg.BreakerSuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenTimeout())
	assert.Equal(t, 60*time.Second, cfg.WorkerStaleAfter())
	assert.Equal(t, 24*time.Hour, cfg.JobRetention())
	assert.Equal(t, 7*24*time.Hour, cfg.DLQRetention())
	assert.Equal(t, 10000, cfg.MetricRingSize)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace())
}

func TestRigelCheck(t *testing.T) {
	r := &Rigel{}
	assert.Error(t, r.Check())
}

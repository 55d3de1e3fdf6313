package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logbeacon/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, EncoderLoki, cfg.Encoder)
	assert.Equal(t, logging.DefaultFlushSize, cfg.FlushSize)
	assert.Equal(t, 5*time.Minute, cfg.FlushInterval)
	assert.Equal(t, 2*time.Second, cfg.DedupWindow)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/beacon
endpoint: https://logs.example/loki/api/v1/push
encoder: sls
flush_size: 1024
flush_interval: 90s
dedup_window: 3s
auth_user: "42"
tail_workers: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/beacon", cfg.DataDir)
	assert.Equal(t, "https://logs.example/loki/api/v1/push", cfg.Endpoint)
	assert.Equal(t, EncoderSLS, cfg.Encoder)
	assert.Equal(t, 1024, cfg.FlushSize)
	assert.Equal(t, 90*time.Second, cfg.FlushInterval)
	assert.Equal(t, 3*time.Second, cfg.DedupWindow)
	assert.Equal(t, "42", cfg.AuthUser)
	assert.Equal(t, 4, cfg.TailWorkers)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "flush_size: 1024\nendpoint: http://file\n")
	t.Setenv("BEACON_FLUSH_SIZE", "2048")
	t.Setenv("BEACON_ENDPOINT", "http://env")
	t.Setenv("BEACON_FLUSH_INTERVAL", "1m")
	t.Setenv("BEACON_QUEUE_SIZE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.FlushSize)
	assert.Equal(t, "http://env", cfg.Endpoint)
	assert.Equal(t, time.Minute, cfg.FlushInterval)
	assert.Equal(t, logging.DefaultQueueSize, cfg.QueueSize)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "flush_size: [oops"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "encoder: kafka\nflush_size: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown encoder")
	assert.Contains(t, err.Error(), "flush_size")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Fsync = "sometimes"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DedupWindow = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup_window")
}

func TestLoad_RejectsZeroDedupWindow(t *testing.T) {
	_, err := Load(writeConfig(t, "dedup_window: 0s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup_window must be positive")
}

func TestPipeline(t *testing.T) {
	cfg := Default()
	cfg.FlushSize = 100
	cfg.QueueSize = 8

	p := cfg.Pipeline()
	assert.Equal(t, 100, p.FlushSize)
	assert.Equal(t, 8, p.QueueSize)
	assert.Equal(t, cfg.FlushInterval, p.FlushInterval)
	assert.Equal(t, cfg.DedupWindow, p.DedupWindow)
}

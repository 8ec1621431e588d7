package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigParsesFile(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfig(t, `{
		"listenAddr": ":9090",
		"playerCommand": "mpv",
		"playerArgs": ["--no-audio"],
		"continuous": true,
		"minPoolSize": 5,
		"healthCheckInterval": "45s",
		"probeTimeout": "2s",
		"sampleInterval": "15s",
		"maxLatencyMs": 2500,
		"minFps": 10,
		"switchScoreMargin": 0.25,
		"streams": ["http://static/1"],
		"sources": ["http://pages/1"],
		"obfuscateUrls": true
	}`)

	cfg := LoadConfig(path)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "mpv", cfg.PlayerCommand)
	assert.Equal(t, []string{"--no-audio"}, cfg.PlayerArgs)
	assert.True(t, cfg.Continuous)
	assert.Equal(t, 5, cfg.MinPoolSize)
	assert.Equal(t, 45*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 15*time.Second, cfg.SampleInterval)
	assert.Equal(t, 2500.0, cfg.MaxLatencyMs)
	assert.Equal(t, 10.0, cfg.MinFPS)
	assert.Equal(t, 0.25, cfg.SwitchScoreMargin)
	assert.Equal(t, []string{"http://static/1"}, cfg.Streams)
	assert.True(t, cfg.ObfuscateUrls)
}

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.MinPoolSize)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.SampleInterval)
	assert.Equal(t, 3000.0, cfg.MaxLatencyMs)
	assert.Equal(t, 5.0, cfg.MinFPS)
	assert.Equal(t, 3, cfg.MaxConsecutiveErrors)
	assert.Equal(t, 0.3, cfg.SwitchScoreMargin)
	assert.True(t, cfg.Continuous)
}

func TestLoadConfigDefaultsOnBadDuration(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfig(t, `{"sampleInterval": "soon"}`)
	cfg := LoadConfig(path)
	// The whole file is rejected and defaults apply.
	assert.Equal(t, 10*time.Second, cfg.SampleInterval)
}

func TestLoadConfigCaching(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfig(t, `{"minPoolSize": 7}`)
	first := LoadConfig(path)
	second := LoadConfig("some/other/path.json")
	assert.Same(t, first, second, "second load must hit the cache")

	ClearConfigCache()
	third := LoadConfig(path)
	assert.NotSame(t, first, third)
}

func TestThresholdsConversion(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfig(t, `{
		"maxLatencyMs": 1234,
		"minFps": 12,
		"maxConsecutiveErrors": 9,
		"sampleInterval": "7s",
		"switchScoreMargin": 0.4
	}`)

	th := LoadConfig(path).Thresholds()
	assert.Equal(t, 1234.0, th.MaxLatencyMs)
	assert.Equal(t, 12.0, th.MinFPS)
	assert.Equal(t, 9, th.MaxConsecutiveErrors)
	assert.Equal(t, 7*time.Second, th.SampleInterval)
	assert.Equal(t, 0.4, th.SwitchScoreMargin)
}

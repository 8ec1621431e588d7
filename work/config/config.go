package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"streamfox/work/logger"
	"streamfox/work/types"
	"streamfox/work/utils"
)

// Config holds all application configuration values for the stream failover
// player. It covers pool sizing, probe cadence, quality thresholds, the
// external player command, crawler settings and the HTTP status surface.
type Config struct {
	ListenAddr           string        // address for the metrics/status HTTP server
	PlayerCommand        string        // preferred player binary; empty means autodetect (mpv, vlc, ffplay)
	PlayerArgs           []string      // extra arguments appended to the player command line
	Continuous           bool          // keep acquiring endpoints after exhaustion instead of terminating
	MinPoolSize          int           // pool size below which a refill is requested
	HealthCheckInterval  time.Duration // interval between pool-wide reachability sweeps
	ProbeTimeout         time.Duration // timeout for reachability and latency probes
	FrameSampleDuration  time.Duration // how long the frame/activity probes observe the stream
	ProbeCacheDuration   time.Duration // how long a reachability verdict stays cached
	ProbeRatePerSecond   int           // network probe rate limit
	MaxLatencyMs         float64       // quality threshold: maximum acceptable latency
	MinFPS               float64       // quality threshold: minimum acceptable frame rate
	MaxConsecutiveErrors int           // quality threshold: probe errors before unhealthy
	SampleInterval       time.Duration // period between quality samples on the active endpoint
	SwitchScoreMargin    float64       // score advantage required before a quality switch
	Streams              []string      // static endpoint list (not health-checked; fallback only)
	Sources              []string      // pages to crawl for candidate endpoints
	MaxCrawlDepth        int           // crawler link-following depth
	WorkerThreads        int           // crawler worker pool size
	JournalPath          string        // SQLite failure journal location; empty disables the journal
	AdminPasswordHash    string        // bcrypt hash protecting mutating admin routes; empty disables them
	Debug                bool          // enable debug logging
	ObfuscateUrls        bool          // obfuscate stream URLs in logs
}

// ConfigFile mirrors Config for JSON unmarshaling. Duration fields are
// strings (e.g. "30s", "10m") parsed into time.Duration values.
type ConfigFile struct {
	ListenAddr           string   `json:"listenAddr"`
	PlayerCommand        string   `json:"playerCommand"`
	PlayerArgs           []string `json:"playerArgs"`
	Continuous           bool     `json:"continuous"`
	MinPoolSize          int      `json:"minPoolSize"`
	HealthCheckInterval  string   `json:"healthCheckInterval"`
	ProbeTimeout         string   `json:"probeTimeout"`
	FrameSampleDuration  string   `json:"frameSampleDuration"`
	ProbeCacheDuration   string   `json:"probeCacheDuration"`
	ProbeRatePerSecond   int      `json:"probeRatePerSecond"`
	MaxLatencyMs         float64  `json:"maxLatencyMs"`
	MinFPS               float64  `json:"minFps"`
	MaxConsecutiveErrors int      `json:"maxConsecutiveErrors"`
	SampleInterval       string   `json:"sampleInterval"`
	SwitchScoreMargin    float64  `json:"switchScoreMargin"`
	Streams              []string `json:"streams"`
	Sources              []string `json:"sources"`
	MaxCrawlDepth        int      `json:"maxCrawlDepth"`
	WorkerThreads        int      `json:"workerThreads"`
	JournalPath          string   `json:"journalPath"`
	AdminPasswordHash    string   `json:"adminPasswordHash"`
	Debug                bool     `json:"debug"`
	ObfuscateUrls        bool     `json:"obfuscateUrls"`
}

var (
	configCache *Config      // cached configuration instance (singleton)
	configMutex sync.RWMutex // guards configCache
)

// LoadConfig loads the configuration from the given path or returns the
// cached instance. Falls back to defaults when the file is missing or
// invalid, then validates to ensure safe values.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		logger.Warn("failed to load config from %s: %v, using defaults", path, err)
		cfg = getDefaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg

	if cfg.Debug {
		logger.Debug("configuration loaded:")
		logger.Debug("  static streams: %d, crawl sources: %d", len(cfg.Streams), len(cfg.Sources))
		for i, s := range cfg.Streams {
			logger.Debug("    stream %d: %s", i+1, utils.LogURL(cfg.ObfuscateUrls, s))
		}
		logger.Debug("  min pool size: %d, health check every %s", cfg.MinPoolSize, cfg.HealthCheckInterval)
		logger.Debug("  sample interval: %s, switch margin: %.2f", cfg.SampleInterval, cfg.SwitchScoreMargin)
		logger.Debug("  continuous: %v, player: %q", cfg.Continuous, cfg.PlayerCommand)
	}

	return cfg
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used by the graceful reload path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// Thresholds packages the quality threshold fields into the shared value type
// consumed by the scorer, pool and sampler.
func (c *Config) Thresholds() types.QualityThresholds {
	return types.QualityThresholds{
		MaxLatencyMs:         c.MaxLatencyMs,
		MinFPS:               c.MinFPS,
		MaxConsecutiveErrors: c.MaxConsecutiveErrors,
		SampleInterval:       c.SampleInterval,
		SwitchScoreMargin:    c.SwitchScoreMargin,
	}
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&file)
}

// convertFromFile converts a ConfigFile to Config, parsing all duration
// strings. Empty duration strings stay zero and pick up defaults later.
func convertFromFile(file *ConfigFile) (*Config, error) {
	cfg := &Config{
		ListenAddr:           file.ListenAddr,
		PlayerCommand:        file.PlayerCommand,
		PlayerArgs:           file.PlayerArgs,
		Continuous:           file.Continuous,
		MinPoolSize:          file.MinPoolSize,
		ProbeRatePerSecond:   file.ProbeRatePerSecond,
		MaxLatencyMs:         file.MaxLatencyMs,
		MinFPS:               file.MinFPS,
		MaxConsecutiveErrors: file.MaxConsecutiveErrors,
		SwitchScoreMargin:    file.SwitchScoreMargin,
		Streams:              file.Streams,
		Sources:              file.Sources,
		MaxCrawlDepth:        file.MaxCrawlDepth,
		WorkerThreads:        file.WorkerThreads,
		JournalPath:          file.JournalPath,
		AdminPasswordHash:    file.AdminPasswordHash,
		Debug:                file.Debug,
		ObfuscateUrls:        file.ObfuscateUrls,
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{file.HealthCheckInterval, &cfg.HealthCheckInterval, "healthCheckInterval"},
		{file.ProbeTimeout, &cfg.ProbeTimeout, "probeTimeout"},
		{file.FrameSampleDuration, &cfg.FrameSampleDuration, "frameSampleDuration"},
		{file.ProbeCacheDuration, &cfg.ProbeCacheDuration, "probeCacheDuration"},
		{file.SampleInterval, &cfg.SampleInterval, "sampleInterval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// getDefaultConfig returns the built-in configuration used when no config
// file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Continuous: true,
	}
}

// validateAndSetDefaults fills in safe defaults for any zero-valued fields.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MinPoolSize <= 0 {
		cfg.MinPoolSize = 3
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FrameSampleDuration <= 0 {
		cfg.FrameSampleDuration = 3 * time.Second
	}
	if cfg.ProbeCacheDuration <= 0 {
		cfg.ProbeCacheDuration = 15 * time.Second
	}
	if cfg.ProbeRatePerSecond <= 0 {
		cfg.ProbeRatePerSecond = 10
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 5
	}
	if cfg.MaxCrawlDepth <= 0 {
		cfg.MaxCrawlDepth = 2
	}

	defaults := types.DefaultThresholds()
	if cfg.MaxLatencyMs <= 0 {
		cfg.MaxLatencyMs = defaults.MaxLatencyMs
	}
	if cfg.MinFPS <= 0 {
		cfg.MinFPS = defaults.MinFPS
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaults.MaxConsecutiveErrors
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaults.SampleInterval
	}
	if cfg.SwitchScoreMargin <= 0 {
		cfg.SwitchScoreMargin = defaults.SwitchScoreMargin
	}
}

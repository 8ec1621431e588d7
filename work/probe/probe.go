package probe

import (
	"net/http"
	"time"

	"streamfox/work/config"
	"streamfox/work/logger"
	"streamfox/work/metrics"
	"streamfox/work/utils"

	"github.com/maypok86/otter/v2"
	"go.uber.org/ratelimit"
)

// Prober is the probe collaborator surface consumed by the pool and the
// sampler. Every method reports failure as absent data (ok=false / false),
// never as an error: a failed probe is evidence for scoring and health
// decisions, not something to unwind a caller's loop over.
type Prober interface {
	// CheckReachable runs a cheap existence check against the endpoint.
	CheckReachable(url string) bool

	// MeasureLatency measures time-to-first-response-header for the endpoint.
	MeasureLatency(url string) (latencyMs float64, httpStatus int, ok bool)

	// SampleFrames decodes the stream briefly and reports the observed frame
	// rate and whether frozen frames (buffering) were detected.
	SampleFrames(url string) (fps float64, buffering bool, ok bool)

	// DetectActivity reports whether consecutive frames are changing.
	DetectActivity(url string) bool
}

// StreamProber implements Prober with HTTP checks for reachability/latency
// and external ffmpeg processes for frame and activity analysis. Network
// probes are rate limited, and reachability verdicts are cached briefly so
// that repeated admission attempts for the same URL (crawler re-discovery,
// admin re-adds) don't hammer the origin.
type StreamProber struct {
	cfg        *config.Config
	httpClient *http.Client
	limiter    ratelimit.Limiter
	reachCache *otter.Cache[string, bool]
}

// New creates a StreamProber from the application configuration.
func New(cfg *config.Config) *StreamProber {
	client := &http.Client{
		Timeout: cfg.ProbeTimeout,
		Transport: &http.Transport{
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   cfg.ProbeTimeout,
			ResponseHeaderTimeout: cfg.ProbeTimeout,
		},
	}

	cache := otter.Must(&otter.Options[string, bool]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, bool](cfg.ProbeCacheDuration),
	})

	return &StreamProber{
		cfg:        cfg,
		httpClient: client,
		limiter:    ratelimit.New(cfg.ProbeRatePerSecond),
		reachCache: cache,
	}
}

// CheckReachable issues a HEAD request with a short timeout and treats any
// status below 400 as reachable. Verdicts are cached for the configured
// probe cache duration.
func (p *StreamProber) CheckReachable(url string) bool {
	if verdict, ok := p.reachCache.GetIfPresent(url); ok {
		return verdict
	}

	p.limiter.Take()

	reachable := false
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err == nil {
		p.setHeaders(req)
		resp, err := p.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			reachable = resp.StatusCode < http.StatusBadRequest
			if !reachable {
				logger.Debug("[PROBE] reachability check failed (status %d): %s",
					resp.StatusCode, utils.LogURL(p.cfg.ObfuscateUrls, url))
			}
		} else {
			logger.Debug("[PROBE] reachability check failed: %s: %v",
				utils.LogURL(p.cfg.ObfuscateUrls, url), err)
		}
	}

	p.reachCache.Set(url, reachable)
	return reachable
}

// MeasureLatency times a GET request up to the response headers. The body is
// closed immediately; the probe cares about responsiveness, not content.
func (p *StreamProber) MeasureLatency(url string) (float64, int, bool) {
	p.limiter.Take()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("latency").Inc()
		return 0, 0, false
	}
	p.setHeaders(req)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("latency").Inc()
		logger.Debug("[PROBE] latency check failed: %s: %v",
			utils.LogURL(p.cfg.ObfuscateUrls, url), err)
		return 0, 0, false
	}
	latency := time.Since(start)
	resp.Body.Close()

	return float64(latency.Milliseconds()), resp.StatusCode, true
}

func (p *StreamProber) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "streamfox/1.0")
	req.Header.Set("Accept", "*/*")
}

package sampler

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"streamfox/work/logger"
	"streamfox/work/types"
	"streamfox/work/utils"
)

// stopPoll is how often the inter-sample sleep re-checks the stop signal, so
// Stop latency stays bounded regardless of the configured sample interval.
const stopPoll = 100 * time.Millisecond

// stopJoinTimeout bounds how long Stop waits for an in-flight cycle. A probe
// wedged past this is abandoned; the loop will exit once it returns.
const stopJoinTimeout = 10 * time.Second

// QualityProber is the slice of the probe collaborator the sampler drives
// each cycle.
type QualityProber interface {
	MeasureLatency(url string) (latencyMs float64, httpStatus int, ok bool)
	SampleFrames(url string) (fps float64, buffering bool, ok bool)
	DetectActivity(url string) bool
}

// QualitySampler continuously scores exactly one active endpoint. Each cycle
// it runs the latency probe, then the frame-rate/buffering probe, and — only
// when both succeeded — the activity probe; a failed probe marks the cycle
// inactive and bumps the session error counter. The assembled snapshot is
// stored as current and handed to the notification callback.
//
// The callback is always invoked without the sampler's lock held: it is
// expected to call back into the pool (UpdateQualityMetrics, ShouldSwitch),
// and holding the lock across that would invite reentrant deadlock.
type QualitySampler struct {
	url        string
	thresholds types.QualityThresholds
	interval   time.Duration
	prober     QualityProber
	onSample   func(types.QualityMetrics)
	obfuscate  bool

	mu         sync.Mutex
	current    *types.QualityMetrics
	errorCount int

	running  atomic.Bool
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a sampler bound to the given endpoint. onSample may be nil.
func New(url string, thresholds types.QualityThresholds, prober QualityProber, onSample func(types.QualityMetrics), obfuscateUrls bool) *QualitySampler {
	return &QualitySampler{
		url:        url,
		thresholds: thresholds,
		interval:   thresholds.SampleInterval,
		prober:     prober,
		onSample:   onSample,
		obfuscate:  obfuscateUrls,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background sampling loop. Idempotent.
func (s *QualitySampler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	logger.Info("[SAMPLER] started for %s (every %v)", s.logURL(), s.interval)
	go s.loop()
}

// Stop signals the loop to exit and waits, bounded by a timeout, until no
// sample is in flight. Idempotent; after the first return the loop is either
// joined or abandoned mid-probe and will not publish further samples.
func (s *QualitySampler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopChan)

	select {
	case <-s.done:
		logger.Info("[SAMPLER] stopped for %s", s.logURL())
	case <-time.After(stopJoinTimeout):
		logger.Warn("[SAMPLER] stop timed out for %s, abandoning in-flight probe", s.logURL())
	}
}

func (s *QualitySampler) loop() {
	defer close(s.done)

	for {
		cycleStart := time.Now()

		m := s.collect()

		// Publish before notifying so the callback observes its own sample
		// through CurrentScore.
		s.mu.Lock()
		s.current = &m
		s.mu.Unlock()

		if s.stopped() {
			return
		}

		if s.onSample != nil {
			s.onSample(m)
		}

		if m.IsHealthy(s.thresholds) {
			logger.Debug("[SAMPLER] %s quality %.2f (latency %s, fps %s)",
				s.logURL(), m.QualityScore(), fmtFloat(m.LatencyMs), fmtFloat(m.FPS))
		} else {
			logger.Warn("[SAMPLER] %s quality degraded: %.2f (active=%v, buffering=%v, errors=%d)",
				s.logURL(), m.QualityScore(), m.IsActive, m.BufferingDetected, m.ErrorCount)
		}

		// Sleep out the remainder of the interval, re-checking stop at fine
		// granularity.
		deadline := cycleStart.Add(s.interval)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if remaining > stopPoll {
				remaining = stopPoll
			}
			select {
			case <-s.stopChan:
				return
			case <-time.After(remaining):
			}
		}
	}
}

// collect runs one full probe cycle and assembles the metrics snapshot.
func (s *QualitySampler) collect() types.QualityMetrics {
	m := types.QualityMetrics{
		URL:       s.url,
		Timestamp: time.Now(),
	}

	if latency, status, ok := s.prober.MeasureLatency(s.url); ok {
		m.LatencyMs = &latency
		m.HTTPStatus = &status
	}

	if fps, buffering, ok := s.prober.SampleFrames(s.url); ok {
		m.FPS = &fps
		m.BufferingDetected = buffering
	}

	if m.LatencyMs != nil && m.FPS != nil {
		m.IsActive = s.prober.DetectActivity(s.url)
	} else {
		m.IsActive = false
		s.mu.Lock()
		s.errorCount++
		s.mu.Unlock()
	}

	s.mu.Lock()
	m.ErrorCount = s.errorCount
	s.mu.Unlock()

	return m
}

// CurrentScore returns the quality score of the latest snapshot, or 0 when
// no sample has completed yet.
func (s *QualitySampler) CurrentScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.QualityScore()
}

// IsHealthy reports whether the latest snapshot clears the thresholds;
// false when no sample has completed yet.
func (s *QualitySampler) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	return s.current.IsHealthy(s.thresholds)
}

// CurrentMetrics returns a copy of the latest snapshot.
func (s *QualitySampler) CurrentMetrics() (types.QualityMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return types.QualityMetrics{}, false
	}
	return *s.current, true
}

func (s *QualitySampler) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *QualitySampler) logURL() string {
	return utils.LogURL(s.obfuscate, s.url)
}

func fmtFloat(f *float64) string {
	if f == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*f, 'f', 1, 64)
}

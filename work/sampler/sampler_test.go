package sampler

import (
	"sync"
	"testing"
	"time"

	"streamfox/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeQualityProber returns canned results and counts calls.
type fakeQualityProber struct {
	mu sync.Mutex

	latency     float64
	fps         float64
	buffering   bool
	active      bool
	latencyFail bool
	framesFail  bool

	activityCalls int
}

func (f *fakeQualityProber) MeasureLatency(url string) (float64, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latencyFail {
		return 0, 0, false
	}
	return f.latency, 200, true
}

func (f *fakeQualityProber) SampleFrames(url string) (float64, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.framesFail {
		return 0, true, false
	}
	return f.fps, f.buffering, true
}

func (f *fakeQualityProber) DetectActivity(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityCalls++
	return f.active
}

func (f *fakeQualityProber) activityCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activityCalls
}

func fastThresholds() types.QualityThresholds {
	t := types.DefaultThresholds()
	t.SampleInterval = 20 * time.Millisecond
	return t
}

func TestSamplerProducesSamples(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeQualityProber{latency: 150, fps: 30, active: true}

	samples := make(chan types.QualityMetrics, 16)
	s := New("http://stream/1", fastThresholds(), prober, func(m types.QualityMetrics) {
		select {
		case samples <- m:
		default:
		}
	}, false)

	s.Start()
	defer s.Stop()

	var m types.QualityMetrics
	select {
	case m = <-samples:
	case <-time.After(2 * time.Second):
		t.Fatal("no sample produced")
	}

	assert.Equal(t, "http://stream/1", m.URL)
	require.NotNil(t, m.LatencyMs)
	assert.InDelta(t, 150, *m.LatencyMs, 1e-9)
	require.NotNil(t, m.FPS)
	assert.InDelta(t, 30, *m.FPS, 1e-9)
	assert.True(t, m.IsActive)
	assert.Zero(t, m.ErrorCount)
	assert.Greater(t, m.QualityScore(), 0.9)
}

func TestSamplerFailedProbeCountsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeQualityProber{latencyFail: true, fps: 30}

	samples := make(chan types.QualityMetrics, 16)
	s := New("http://stream/1", fastThresholds(), prober, func(m types.QualityMetrics) {
		select {
		case samples <- m:
		default:
		}
	}, false)

	s.Start()
	defer s.Stop()

	// Error count accumulates across cycles within one session.
	deadline := time.After(2 * time.Second)
	var last types.QualityMetrics
	for last.ErrorCount < 2 {
		select {
		case last = <-samples:
		case <-deadline:
			t.Fatal("error count never reached 2")
		}
	}

	assert.Nil(t, last.LatencyMs)
	assert.False(t, last.IsActive, "a cycle with a failed probe must report inactive")
	assert.Zero(t, prober.activityCallCount(), "activity probe must be skipped after failures")
	assert.False(t, last.IsHealthy(fastThresholds()))
}

func TestSamplerCallbackMayCallBackIn(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeQualityProber{latency: 150, fps: 30, active: true}

	var s *QualitySampler
	observed := make(chan float64, 1)
	s = New("http://stream/1", fastThresholds(), prober, func(m types.QualityMetrics) {
		// Re-entering the sampler from its own callback must not deadlock.
		select {
		case observed <- s.CurrentScore():
		default:
		}
	}, false)

	s.Start()
	defer s.Stop()

	select {
	case score := <-observed:
		assert.Greater(t, score, 0.9, "callback should observe its own sample")
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestSamplerStopIsIdempotentAndBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeQualityProber{latency: 150, fps: 30, active: true}
	s := New("http://stream/1", fastThresholds(), prober, nil, false)

	s.Start()

	start := time.Now()
	s.Stop()
	s.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)

	// No further samples after Stop returns.
	_, ok := s.CurrentMetrics()
	_ = ok // may or may not have completed a cycle; both are valid
}

func TestSamplerCurrentStateBeforeFirstSample(t *testing.T) {
	prober := &fakeQualityProber{}
	s := New("http://stream/1", fastThresholds(), prober, nil, false)

	assert.Zero(t, s.CurrentScore())
	assert.False(t, s.IsHealthy())
	_, ok := s.CurrentMetrics()
	assert.False(t, ok)
}

func TestSamplerStartIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeQualityProber{latency: 150, fps: 30, active: true}
	s := New("http://stream/1", fastThresholds(), prober, nil, false)

	s.Start()
	s.Start()
	s.Stop()
}

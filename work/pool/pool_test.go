package pool

import (
	"sync"
	"testing"
	"time"

	"streamfox/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeProber answers reachability from a fixed map; unknown URLs are
// reachable. Calls are counted for assertions about probe traffic.
type fakeProber struct {
	mu          sync.Mutex
	unreachable map[string]bool
	calls       int
}

func (f *fakeProber) CheckReachable(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return !f.unreachable[url]
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProber) setUnreachable(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable == nil {
		f.unreachable = make(map[string]bool)
	}
	f.unreachable[url] = true
}

func newTestPool(t *testing.T, prober ReachabilityChecker, opts ...Option) *EndpointPool {
	t.Helper()
	return New(prober, 3, time.Hour, opts...)
}

func metricsFor(url string, score float64) types.QualityMetrics {
	m := types.QualityMetrics{URL: url, Timestamp: time.Now()}
	// Reconstruct a snapshot that lands near the requested score without
	// synthesizing the score directly: pick bucket values per component.
	switch {
	case score >= 0.9:
		lat, fps := 100.0, 30.0
		m.LatencyMs, m.FPS, m.IsActive = &lat, &fps, true
	case score >= 0.6:
		lat, fps := 1500.0, 20.0
		m.LatencyMs, m.FPS, m.IsActive = &lat, &fps, true
	default:
		lat, fps := 5000.0, 3.0
		m.LatencyMs, m.FPS = &lat, &fps
		m.ErrorCount = 2
	}
	return m
}

func TestAddEndpointsAdmitsReachable(t *testing.T) {
	prober := &fakeProber{}
	p := newTestPool(t, prober)

	added := p.AddEndpoints([]string{"http://a/s.m3u8", "http://b/s.m3u8"})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, p.Size())
	assert.True(t, p.EverAdmitted())
}

func TestAddEndpointsRejectsUnreachable(t *testing.T) {
	prober := &fakeProber{}
	prober.setUnreachable("http://dead/s.m3u8")

	var failedURL, failedReason string
	p := newTestPool(t, prober, WithEndpointFailedCallback(func(url, reason string) {
		failedURL, failedReason = url, reason
	}))

	added := p.AddEndpoints([]string{"http://dead/s.m3u8", "http://ok/s.m3u8"})
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, "http://dead/s.m3u8", failedURL)
	assert.Equal(t, "admission", failedReason)
}

func TestAddEndpointsSkipsDuplicatesAndKnownFailed(t *testing.T) {
	prober := &fakeProber{}
	p := newTestPool(t, prober)

	p.AddEndpoints([]string{"http://a/s.m3u8"})
	p.MarkFailed("http://b/s.m3u8")
	probes := prober.callCount()

	added := p.AddEndpoints([]string{"http://a/s.m3u8", "http://b/s.m3u8"})
	assert.Zero(t, added)
	assert.Equal(t, probes, prober.callCount(), "tracked URLs must not be re-probed")
}

func TestGetNextFIFO(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1", "http://b/2", "http://c/3"})

	first, ok := p.GetNext()
	require.True(t, ok)
	assert.Equal(t, "http://a/1", first)

	second, ok := p.GetNext()
	require.True(t, ok)
	assert.Equal(t, "http://b/2", second)
	assert.Equal(t, 1, p.Size())
}

func TestGetNextEmptyPool(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	url, ok := p.GetNext()
	assert.False(t, ok)
	assert.Empty(t, url)
}

func TestMarkFailedRemovesAndBlocksReturn(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1", "http://b/2"})

	url, _ := p.GetNext()
	p.MarkFailed(url)
	assert.Equal(t, 1, p.Size())

	// ReturnEndpoint must not resurrect a failed endpoint.
	p.ReturnEndpoint(url)
	assert.Equal(t, 1, p.Size())
}

func TestMarkFailedIdempotentCallback(t *testing.T) {
	var calls int
	p := newTestPool(t, &fakeProber{}, WithEndpointFailedCallback(func(url, reason string) {
		calls++
	}))
	p.AddEndpoints([]string{"http://a/1"})

	p.MarkFailed("http://a/1")
	p.MarkFailed("http://a/1")
	assert.Equal(t, 1, calls)
}

func TestReturnEndpointGoesToTail(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1", "http://b/2"})

	url, _ := p.GetNext()
	p.ReturnEndpoint(url)

	next, _ := p.GetNext()
	assert.Equal(t, "http://b/2", next, "returned endpoint must queue behind existing entries")
}

func TestReturnEndpointNoDuplicates(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1"})

	p.ReturnEndpoint("http://a/1")
	assert.Equal(t, 1, p.Size())
}

func TestReturnToFront(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1", "http://b/2", "http://c/3"})

	p.ReturnToFront("http://c/3")
	next, _ := p.GetNext()
	assert.Equal(t, "http://c/3", next)
	assert.Equal(t, 2, p.Size(), "front-queueing an existing entry must move, not duplicate")
}

func TestReviveClearsFailure(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1"})
	p.MarkFailed("http://a/1")

	assert.True(t, p.Revive("http://a/1"))
	assert.False(t, p.Revive("http://a/1"), "second revive should find nothing")

	added := p.AddEndpoints([]string{"http://a/1"})
	assert.Equal(t, 1, added)
}

func TestNeedsRefill(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	assert.True(t, p.NeedsRefill())

	p.AddEndpoints([]string{"http://a/1", "http://b/2", "http://c/3"})
	assert.False(t, p.NeedsRefill())

	p.GetNext()
	assert.True(t, p.NeedsRefill())
}

func TestQualityScoreDefaultsToNeutral(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	assert.InDelta(t, 0.5, p.GetQualityScore("http://never-measured/1"), 1e-9)
}

func TestRankedEndpoints(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://low/1", "http://high/2", "http://mid/3"})

	p.UpdateQualityMetrics(metricsFor("http://low/1", 0.2))
	p.UpdateQualityMetrics(metricsFor("http://high/2", 0.95))
	p.UpdateQualityMetrics(metricsFor("http://mid/3", 0.6))

	ranked := p.RankedEndpoints()
	require.Len(t, ranked, 3)
	assert.Equal(t, "http://high/2", ranked[0].URL)
	assert.Equal(t, "http://mid/3", ranked[1].URL)
	assert.Equal(t, "http://low/1", ranked[2].URL)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
	assert.Greater(t, ranked[1].Score, ranked[2].Score)
}

func TestBestQualityEndpointDoesNotRemove(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1", "http://b/2"})
	p.UpdateQualityMetrics(metricsFor("http://b/2", 0.95))

	best, ok := p.BestQualityEndpoint()
	require.True(t, ok)
	assert.Equal(t, "http://b/2", best)
	assert.Equal(t, 2, p.Size())
}

func TestBestQualityEndpointFIFOTieBreak(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://a/1", "http://b/2"})

	// Both unmeasured at the neutral default: earliest admitted wins.
	best, ok := p.BestQualityEndpoint()
	require.True(t, ok)
	assert.Equal(t, "http://a/1", best)
}

func TestShouldSwitchMarginBoundary(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://current/1", "http://better/2"})
	p.UpdateQualityMetrics(metricsFor("http://better/2", 0.95))

	bestScore := p.GetQualityScore("http://better/2")

	// Delta exactly at the margin: no switch.
	_, ok := p.ShouldSwitch("http://current/1", bestScore-0.3, 0.3)
	assert.False(t, ok, "delta equal to margin must not trigger a switch")

	// Delta strictly above the margin: switch.
	target, ok := p.ShouldSwitch("http://current/1", bestScore-0.31, 0.3)
	require.True(t, ok)
	assert.Equal(t, "http://better/2", target)
}

func TestShouldSwitchNeverTargetsCurrent(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	p.AddEndpoints([]string{"http://current/1"})
	p.UpdateQualityMetrics(metricsFor("http://current/1", 0.95))

	_, ok := p.ShouldSwitch("http://current/1", 0.1, 0.3)
	assert.False(t, ok, "the only candidate being the current endpoint must not switch")
}

func TestShouldSwitchEmptyPool(t *testing.T) {
	p := newTestPool(t, &fakeProber{})
	_, ok := p.ShouldSwitch("http://current/1", 0.1, 0.3)
	assert.False(t, ok)
}

func TestHealthSweepRemovesUnreachable(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeProber{}
	p := New(prober, 3, 20*time.Millisecond)
	p.AddEndpoints([]string{"http://a/1", "http://b/2"})

	p.StartHealthChecks()
	defer p.StopHealthChecks()

	prober.setUnreachable("http://a/1")

	require.Eventually(t, func() bool {
		return p.Size() == 1
	}, 2*time.Second, 10*time.Millisecond, "sweep should remove the unreachable endpoint")

	next, ok := p.GetNext()
	require.True(t, ok)
	assert.Equal(t, "http://b/2", next)
}

func TestStartStopHealthChecksIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(&fakeProber{}, 3, time.Hour)
	p.StartHealthChecks()
	p.StartHealthChecks()
	p.StopHealthChecks()
	p.StopHealthChecks()
}

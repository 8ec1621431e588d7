package pool

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"streamfox/work/logger"
	"streamfox/work/metrics"
	"streamfox/work/types"
	"streamfox/work/utils"
)

// ReachabilityChecker is the slice of the probe collaborator the pool needs:
// the cheap admission/health-sweep existence check. Latency and frame probes
// belong to the sampler, not the pool.
type ReachabilityChecker interface {
	CheckReachable(url string) bool
}

// RankedEndpoint pairs an endpoint with its last known quality score for the
// read-only ranking views.
type RankedEndpoint struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// EndpointPool maintains the pool of validated backup endpoints: an ordered
// FIFO of healthy endpoints ready to serve, a set of endpoints that failed
// validation or playback, and the last known quality metrics per endpoint.
//
// Every endpoint the pool has ever seen is in exactly one of the two sets
// (or transiently in neither while a caller holds it between GetNext and
// ReturnEndpoint/MarkFailed). Quality metrics persist even after an endpoint
// moves to the failed set, for diagnostics; ranking only ever considers the
// healthy FIFO. Once failed, an endpoint is never silently re-admitted — it
// has to pass a fresh reachability check through AddEndpoints.
//
// A single mutex serializes all mutations. Critical sections never perform
// network I/O: reachability probes run outside the lock and only the verdict
// is recorded under it, so a slow probe cannot starve unrelated pool calls.
type EndpointPool struct {
	mu       sync.Mutex
	healthy  []string                        // FIFO order of admission
	failed   map[string]struct{}             // endpoints excluded from serving
	quality  map[string]types.QualityMetrics // last known metrics per endpoint
	admitted bool                            // whether any endpoint was ever admitted

	minPoolSize         int
	healthCheckInterval time.Duration
	prober              ReachabilityChecker
	obfuscateUrls       bool

	onAdded  func(url string)               // "endpoint added" notification
	onFailed func(url string, reason string) // failure notification (journal hook)

	running  atomic.Bool
	stopChan chan struct{}
	done     chan struct{}
}

// Option configures an EndpointPool at construction.
type Option func(*EndpointPool)

// WithEndpointAddedCallback registers a notification invoked (outside the
// pool lock) for every endpoint that passes admission.
func WithEndpointAddedCallback(fn func(url string)) Option {
	return func(p *EndpointPool) { p.onAdded = fn }
}

// WithEndpointFailedCallback registers a notification invoked (outside the
// pool lock) whenever an endpoint is marked failed.
func WithEndpointFailedCallback(fn func(url, reason string)) Option {
	return func(p *EndpointPool) { p.onFailed = fn }
}

// WithObfuscatedURLs controls URL obfuscation in pool log output.
func WithObfuscatedURLs(obfuscate bool) Option {
	return func(p *EndpointPool) { p.obfuscateUrls = obfuscate }
}

// New creates an EndpointPool. minPoolSize is the size below which
// NeedsRefill reports true; healthCheckInterval drives the background
// reachability sweep started by StartHealthChecks.
func New(prober ReachabilityChecker, minPoolSize int, healthCheckInterval time.Duration, opts ...Option) *EndpointPool {
	p := &EndpointPool{
		failed:              make(map[string]struct{}),
		quality:             make(map[string]types.QualityMetrics),
		minPoolSize:         minPoolSize,
		healthCheckInterval: healthCheckInterval,
		prober:              prober,
		stopChan:            make(chan struct{}),
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddEndpoints validates and admits the given URLs, returning the number
// successfully added. URLs already tracked (either set) are skipped; the
// rest get a synchronous reachability probe — pass appends to the healthy
// FIFO tail, fail lands in the failed set. Probing is deliberately
// sequential; callers choose their own batch sizes.
func (p *EndpointPool) AddEndpoints(urls []string) int {
	added := 0
	for _, url := range urls {
		p.mu.Lock()
		_, isFailed := p.failed[url]
		inHealthy := p.containsHealthyLocked(url)
		p.mu.Unlock()

		if isFailed {
			logger.Debug("[POOL] skipping known failed endpoint: %s", p.logURL(url))
			continue
		}
		if inHealthy {
			logger.Debug("[POOL] endpoint already in pool: %s", p.logURL(url))
			continue
		}

		// Probe outside the lock; only the verdict is recorded under it.
		if p.prober.CheckReachable(url) {
			p.mu.Lock()
			// Re-check: another caller may have admitted or failed it while
			// the probe was in flight.
			if _, nowFailed := p.failed[url]; !nowFailed && !p.containsHealthyLocked(url) {
				p.healthy = append(p.healthy, url)
				p.admitted = true
				added++
				metrics.PoolSize.Set(float64(len(p.healthy)))
				metrics.EndpointsAdmitted.Inc()
				p.mu.Unlock()

				logger.Info("[POOL] admitted healthy endpoint: %s", p.logURL(url))
				if p.onAdded != nil {
					p.onAdded(url)
				}
			} else {
				p.mu.Unlock()
			}
		} else {
			p.mu.Lock()
			p.failed[url] = struct{}{}
			p.mu.Unlock()
			metrics.EndpointsFailed.WithLabelValues("admission").Inc()

			logger.Warn("[POOL] endpoint failed admission check: %s", p.logURL(url))
			if p.onFailed != nil {
				p.onFailed(url, "admission")
			}
		}
	}

	logger.Info("[POOL] added %d endpoints (pool size: %d)", added, p.Size())
	return added
}

// GetNext pops and returns the FIFO head of the healthy set. The endpoint is
// removed from the pool: the caller owns it until ReturnEndpoint or
// MarkFailed hands it back. Returns ("", false) on an empty pool — the pool
// never blocks waiting for producers.
func (p *EndpointPool) GetNext() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.healthy) == 0 {
		return "", false
	}

	url := p.healthy[0]
	p.healthy = p.healthy[1:]
	metrics.PoolSize.Set(float64(len(p.healthy)))

	logger.Info("[POOL] dequeued endpoint (remaining: %d): %s", len(p.healthy), p.logURL(url))
	return url, true
}

// MarkFailed removes the endpoint from the healthy set if present and inserts
// it into the failed set. Idempotent.
func (p *EndpointPool) MarkFailed(url string) {
	p.markFailed(url, "playback")
}

func (p *EndpointPool) markFailed(url, reason string) {
	p.mu.Lock()
	p.removeHealthyLocked(url)
	_, already := p.failed[url]
	p.failed[url] = struct{}{}
	metrics.PoolSize.Set(float64(len(p.healthy)))
	p.mu.Unlock()

	if already {
		return
	}

	metrics.EndpointsFailed.WithLabelValues(reason).Inc()
	logger.Warn("[POOL] marked endpoint failed (%s): %s", reason, p.logURL(url))
	if p.onFailed != nil {
		p.onFailed(url, reason)
	}
}

// ReturnEndpoint re-inserts a previously dequeued endpoint at the healthy
// tail, but only when it is currently in neither set. The guard prevents
// resurrecting a MarkFailed endpoint and duplicating one already present.
func (p *EndpointPool) ReturnEndpoint(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, isFailed := p.failed[url]; isFailed {
		return
	}
	if p.containsHealthyLocked(url) {
		return
	}

	p.healthy = append(p.healthy, url)
	metrics.PoolSize.Set(float64(len(p.healthy)))
	logger.Debug("[POOL] returned endpoint to pool: %s", p.logURL(url))
}

// ReturnToFront re-inserts a known-healthy endpoint at the head of the FIFO,
// bypassing the admission probe. Used by the controller's quality-switch
// path, where the target was just ranked best and re-probing it would only
// add latency. The same neither-set guard as ReturnEndpoint applies.
func (p *EndpointPool) ReturnToFront(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, isFailed := p.failed[url]; isFailed {
		return
	}
	if p.containsHealthyLocked(url) {
		// Already present: move it to the front so the next GetNext yields it.
		p.removeHealthyLocked(url)
	}

	p.healthy = append([]string{url}, p.healthy...)
	metrics.PoolSize.Set(float64(len(p.healthy)))
	logger.Debug("[POOL] front-queued endpoint: %s", p.logURL(url))
}

// Revive removes an endpoint from the failed set so a subsequent
// AddEndpoints can re-admit it through the normal probe gate. Reports whether
// the endpoint was actually in the failed set.
func (p *EndpointPool) Revive(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, isFailed := p.failed[url]; !isFailed {
		return false
	}
	delete(p.failed, url)
	logger.Info("[POOL] revived endpoint: %s", p.logURL(url))
	return true
}

// Size returns the current healthy set cardinality.
func (p *EndpointPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.healthy)
}

// NeedsRefill reports whether the pool has dropped below its minimum size.
func (p *EndpointPool) NeedsRefill() bool {
	return p.Size() < p.minPoolSize
}

// EverAdmitted reports whether the pool has admitted at least one endpoint
// since construction. Lets callers distinguish "pool empty" from "pool never
// seeded" when deciding whether a static fallback is appropriate.
func (p *EndpointPool) EverAdmitted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admitted
}

// UpdateQualityMetrics upserts the latest metrics snapshot for an endpoint.
// The pool records unconditionally and never moves the endpoint between sets
// here: a quality problem surfaces through the health predicate and ranking
// for callers to act on, not as a silent eviction.
func (p *EndpointPool) UpdateQualityMetrics(m types.QualityMetrics) {
	p.mu.Lock()
	p.quality[m.URL] = m
	p.mu.Unlock()

	metrics.QualityScore.WithLabelValues(m.URL).Set(m.QualityScore())
}

// GetQualityScore returns the last known score for an endpoint, or the
// neutral 0.5 when it was never measured — unknown endpoints neither jump
// the ranking nor get starved.
func (p *EndpointPool) GetQualityScore(url string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scoreLocked(url)
}

func (p *EndpointPool) scoreLocked(url string) float64 {
	if m, ok := p.quality[url]; ok {
		return m.QualityScore()
	}
	return 0.5
}

// BestQualityEndpoint returns the highest scoring endpoint currently in the
// healthy set without removing it. Ties break by FIFO position: the
// earliest-admitted endpoint wins.
func (p *EndpointPool) BestQualityEndpoint() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bestLocked()
}

func (p *EndpointPool) bestLocked() (string, bool) {
	if len(p.healthy) == 0 {
		return "", false
	}

	best := p.healthy[0]
	bestScore := p.scoreLocked(best)
	for _, url := range p.healthy[1:] {
		if s := p.scoreLocked(url); s > bestScore {
			best = url
			bestScore = s
		}
	}
	return best, true
}

// RankedEndpoints returns every healthy endpoint with its score, ordered by
// score descending. Equal scores keep FIFO order.
func (p *EndpointPool) RankedEndpoints() []RankedEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	ranked := make([]RankedEndpoint, 0, len(p.healthy))
	for _, url := range p.healthy {
		ranked = append(ranked, RankedEndpoint{URL: url, Score: p.scoreLocked(url)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// ShouldSwitch returns the best-ranked healthy endpoint iff it differs from
// the current endpoint and its score beats currentScore by strictly more
// than the given margin. A delta exactly at the margin does not switch —
// the strict comparison is the anti-flapping hysteresis boundary.
func (p *EndpointPool) ShouldSwitch(current string, currentScore, margin float64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best, ok := p.bestLocked()
	if !ok || best == current {
		return "", false
	}

	bestScore := p.scoreLocked(best)
	if bestScore-currentScore > margin {
		logger.Info("[POOL] better endpoint available (%.2f vs %.2f): %s",
			bestScore, currentScore, p.logURL(best))
		return best, true
	}

	return "", false
}

// StartHealthChecks launches the background reachability sweep. Every
// interval it re-probes each currently healthy endpoint and marks failures;
// the sweep only removes, it never re-admits. Idempotent.
func (p *EndpointPool) StartHealthChecks() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	go p.healthCheckLoop()
}

// StopHealthChecks terminates the background sweep and waits for it to exit.
// Idempotent.
func (p *EndpointPool) StopHealthChecks() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopChan)
	<-p.done
}

func (p *EndpointPool) healthCheckLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	logger.Info("[POOL] health checks every %v", p.healthCheckInterval)

	for {
		select {
		case <-p.stopChan:
			logger.Info("[POOL] health checks stopped")
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep snapshots the healthy set under the lock, probes outside it, then
// records the verdicts. Endpoints that fail mid-sweep via other paths are
// simply marked failed again (idempotent).
func (p *EndpointPool) sweep() {
	p.mu.Lock()
	toCheck := make([]string, len(p.healthy))
	copy(toCheck, p.healthy)
	p.mu.Unlock()

	removed := 0
	for _, url := range toCheck {
		select {
		case <-p.stopChan:
			return
		default:
		}

		if !p.prober.CheckReachable(url) {
			p.markFailed(url, "health_check")
			removed++
		}
	}

	if removed > 0 {
		logger.Warn("[POOL] health sweep removed %d unhealthy endpoints (pool size: %d)",
			removed, p.Size())
	}
}

func (p *EndpointPool) containsHealthyLocked(url string) bool {
	for _, h := range p.healthy {
		if h == url {
			return true
		}
	}
	return false
}

func (p *EndpointPool) removeHealthyLocked(url string) {
	for i, h := range p.healthy {
		if h == url {
			p.healthy = append(p.healthy[:i], p.healthy[i+1:]...)
			return
		}
	}
}

func (p *EndpointPool) logURL(url string) string {
	return utils.LogURL(p.obfuscateUrls, url)
}

package controller

import (
	"sync"
	"sync/atomic"
	"time"

	"streamfox/work/logger"
	"streamfox/work/metrics"
	"streamfox/work/pool"
	"streamfox/work/types"
	"streamfox/work/utils"
)

// State is the playback controller's state machine position. Transitions:
// Idle → Acquiring → Playing → {Switching, Failing, Ending} → Acquiring,
// terminating in Exhausted or Stopped.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StatePlaying
	StateSwitching
	StateFailing
	StateEnding
	StateExhausted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StatePlaying:
		return "playing"
	case StateSwitching:
		return "switching"
	case StateFailing:
		return "failing"
	case StateEnding:
		return "ending"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// maxConsecutiveFailures is the ceiling on back-to-back hard playback
// failures before the controller gives up in continuous mode.
const maxConsecutiveFailures = 5

// ProcessHandle is one running external playback process.
type ProcessHandle interface {
	Poll() (exitCode int, done bool)
	Terminate()
}

// ProcessRunner starts the external playback process for an endpoint.
type ProcessRunner interface {
	Start(url string) (ProcessHandle, error)
}

// RunnerFunc adapts a function to the ProcessRunner interface.
type RunnerFunc func(url string) (ProcessHandle, error)

func (f RunnerFunc) Start(url string) (ProcessHandle, error) { return f(url) }

// SamplerHandle is a running quality sampler bound to one endpoint.
type SamplerHandle interface {
	Start()
	Stop()
	CurrentScore() float64
}

// SamplerFactory creates a sampler for the given endpoint whose samples are
// delivered to onSample.
type SamplerFactory func(url string, onSample func(types.QualityMetrics)) SamplerHandle

// Summary reports the terminal result of a Play run.
type Summary struct {
	EndpointsTried int   `json:"endpointsTried"`
	FinalState     State `json:"finalState"`
}

// outcomeKind tags the result of one playback session. This replaces the
// sentinel exit codes the controller would otherwise have to overload: every
// session ends in exactly one of these, and the state machine switches on
// the tag exhaustively.
type outcomeKind int

const (
	outcomeExited outcomeKind = iota // process exited on its own; ExitCode is valid
	outcomeSwitch                    // sampler requested a quality switch; Target is valid
	outcomeStop                      // external stop request
	outcomeStartFailed               // the process could not be started at all
)

type playOutcome struct {
	Kind     outcomeKind
	ExitCode int
	Target   string
}

// Config wires a Controller together.
type Config struct {
	Pool       *pool.EndpointPool
	Runner     ProcessRunner
	NewSampler SamplerFactory
	Thresholds types.QualityThresholds

	// Continuous keeps the controller acquiring after pool exhaustion
	// (with backoff) instead of terminating; single-shot runs until the
	// candidates are spent.
	Continuous bool

	// Fallback is the static endpoint list consulted only when the pool has
	// nothing to give. Entries are not health-checked and are used at most
	// once per run.
	Fallback []string

	// PollInterval bounds the controller's responsiveness to process exit,
	// switch signals and stop requests. Defaults to 500ms.
	PollInterval time.Duration

	// ExhaustionBackoff is the continuous-mode wait before re-trying an
	// empty pool. Defaults to 5s.
	ExhaustionBackoff time.Duration

	ObfuscateUrls bool
}

// Controller is the top-level playback state machine. It pulls endpoints
// from the pool (preferring it over the static fallback, which was never
// health-checked), runs the external player on the active endpoint with a
// quality sampler bound to it, and reconciles process exits, quality-driven
// switch requests and external stop into retry/switch/give-up decisions.
//
// The "current endpoint" and the pending switch target are owned exclusively
// by the controller; the sampler reaches it only through the one-way switch
// channel, so no callback ever runs inside controller state.
type Controller struct {
	cfg  Config
	pool *pool.EndpointPool

	switchCh chan string
	stopChan chan struct{}
	stopOnce sync.Once

	state atomic.Int32

	consecutiveFailures int
	endpointsTried      int
	fallbackIdx         int
}

// New creates a Controller. Pool, Runner and NewSampler are required.
func New(cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ExhaustionBackoff <= 0 {
		cfg.ExhaustionBackoff = 5 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		pool:     cfg.Pool,
		switchCh: make(chan string, 1),
		stopChan: make(chan struct{}),
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Stop requests termination. Thread-safe and idempotent; callable from a
// signal handler concurrently with Play. The controller tears down the
// active process and sampler best-effort and reaches StateStopped within
// about one poll interval.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		logger.Info("[CONTROLLER] stop requested")
		close(c.stopChan)
	})
}

// Play runs the state machine until a terminal state and returns the
// summary. Blocking; run it from its own goroutine when the caller needs to
// stay responsive.
func (c *Controller) Play() Summary {
	defer func() {
		logger.Info("[CONTROLLER] finished: %s after %d endpoint(s)",
			c.State(), c.endpointsTried)
	}()

	next := "" // endpoint handed over directly by a switch, bypassing Acquiring

	for {
		if c.stopRequested() {
			return c.terminal(StateStopped)
		}

		url := next
		next = ""
		if url == "" {
			c.setState(StateAcquiring)
			var ok bool
			url, ok = c.acquire()
			if !ok {
				if !c.cfg.Continuous {
					logger.Error("[CONTROLLER] no endpoints left to try")
					return c.terminal(StateExhausted)
				}
				logger.Warn("[CONTROLLER] pool exhausted, retrying in %v", c.cfg.ExhaustionBackoff)
				if !c.sleep(c.cfg.ExhaustionBackoff) {
					return c.terminal(StateStopped)
				}
				continue
			}
		}

		c.endpointsTried++
		outcome := c.playSession(url)

		switch outcome.Kind {
		case outcomeStop:
			return c.terminal(StateStopped)

		case outcomeSwitch:
			c.setState(StateSwitching)
			metrics.StreamSwitches.WithLabelValues("quality").Inc()
			// A quality switch is not a failure.
			c.consecutiveFailures = 0

			// The superseded endpoint still works, just worse: back to the
			// tail. The target goes to the head and is re-pulled through the
			// pool rather than trusted from the (possibly stale) signal — if
			// it was marked failed in the meantime the head holds whatever
			// is actually best now.
			c.pool.ReturnEndpoint(url)
			c.pool.ReturnToFront(outcome.Target)
			if target, ok := c.pool.GetNext(); ok {
				next = target
				logger.Info("[CONTROLLER] switching to %s", c.logURL(target))
			}

		case outcomeExited:
			if outcome.ExitCode == 0 {
				c.setState(StateEnding)
				logger.Info("[CONTROLLER] stream ended normally: %s", c.logURL(url))
				if !c.cfg.Continuous {
					return c.terminal(StateStopped)
				}
				c.consecutiveFailures = 0
				continue
			}
			if done := c.handleFailure(url, outcome.ExitCode); done {
				return c.terminal(StateStopped)
			}

		case outcomeStartFailed:
			if done := c.handleFailure(url, -1); done {
				return c.terminal(StateStopped)
			}
		}
	}
}

// handleFailure records a hard playback failure and reports whether the
// consecutive-failure ceiling has been hit.
func (c *Controller) handleFailure(url string, exitCode int) bool {
	c.setState(StateFailing)
	metrics.PlaybackFailures.Inc()
	metrics.StreamSwitches.WithLabelValues("failure").Inc()

	c.pool.MarkFailed(url)
	c.consecutiveFailures++
	logger.Warn("[CONTROLLER] playback failed (code %d) for %s (consecutive: %d/%d)",
		exitCode, c.logURL(url), c.consecutiveFailures, maxConsecutiveFailures)

	if c.cfg.Continuous && c.consecutiveFailures >= maxConsecutiveFailures {
		logger.Error("[CONTROLLER] %d consecutive failures, giving up", c.consecutiveFailures)
		return true
	}
	return false
}

// playSession runs one playback session: start the process, bind a sampler
// to the endpoint, then wait for whichever comes first — process exit,
// switch request or stop.
func (c *Controller) playSession(url string) playOutcome {
	c.setState(StatePlaying)
	logger.Info("[CONTROLLER] playing %s", c.logURL(url))

	handle, err := c.cfg.Runner.Start(url)
	if err != nil {
		logger.Error("[CONTROLLER] failed to start player for %s: %v", c.logURL(url), err)
		return playOutcome{Kind: outcomeStartFailed}
	}

	// Drop any switch signal left over from the previous session.
	select {
	case <-c.switchCh:
	default:
	}

	playStart := time.Now()
	smp := c.cfg.NewSampler(url, func(m types.QualityMetrics) {
		c.pool.UpdateQualityMetrics(m)

		// Never preempt an endpoint that has played for less than one full
		// sample interval: there is no meaningful data to compare yet.
		if time.Since(playStart) < c.cfg.Thresholds.SampleInterval {
			return
		}
		if target, ok := c.pool.ShouldSwitch(url, m.QualityScore(), c.cfg.Thresholds.SwitchScoreMargin); ok {
			select {
			case c.switchCh <- target:
			default: // a switch is already pending
			}
		}
	})
	smp.Start()
	defer smp.Stop()

	for {
		select {
		case <-c.stopChan:
			handle.Terminate()
			return playOutcome{Kind: outcomeStop}

		case target := <-c.switchCh:
			handle.Terminate()
			return playOutcome{Kind: outcomeSwitch, Target: target}

		case <-time.After(c.cfg.PollInterval):
			if code, done := handle.Poll(); done {
				return playOutcome{Kind: outcomeExited, ExitCode: code}
			}
		}
	}
}

// acquire produces the next endpoint to play: the pool head when available,
// otherwise the next unused static fallback entry. The pool always wins —
// it is health-checked, the fallback list is not.
func (c *Controller) acquire() (string, bool) {
	if url, ok := c.pool.GetNext(); ok {
		return url, true
	}

	for c.fallbackIdx < len(c.cfg.Fallback) {
		url := c.cfg.Fallback[c.fallbackIdx]
		c.fallbackIdx++
		if url == "" {
			continue
		}
		if c.pool.EverAdmitted() {
			logger.Warn("[CONTROLLER] pool drained, falling back to unchecked static entry: %s",
				c.logURL(url))
		} else {
			logger.Info("[CONTROLLER] pool never seeded, using static entry: %s", c.logURL(url))
		}
		return url, true
	}

	return "", false
}

// sleep waits for d, returning false when a stop request interrupted it.
func (c *Controller) sleep(d time.Duration) bool {
	select {
	case <-c.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Controller) stopRequested() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	metrics.ControllerState.Set(float64(s))
}

func (c *Controller) terminal(s State) Summary {
	c.setState(s)
	return Summary{EndpointsTried: c.endpointsTried, FinalState: s}
}

func (c *Controller) logURL(url string) string {
	return utils.LogURL(c.cfg.ObfuscateUrls, url)
}

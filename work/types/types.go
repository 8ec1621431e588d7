package types

import (
	"time"
)

// Quality scoring bucket boundaries. Latency below the excellent boundary or
// frame rates at/above the excellent boundary earn a full sub-score; the
// remaining buckets step down to a floor of 0.1 rather than zero so a slow
// but measurable stream still outranks one with no evidence at all.
const (
	LatencyExcellentMs = 1000.0
	LatencyGoodMs      = 2000.0
	LatencyPoorMs      = 3000.0

	FPSExcellent = 24.0
	FPSGood      = 15.0
	FPSMinimum   = 10.0
)

// Sub-score weights for the composite quality score. Latency and frame rate
// dominate because they are the signals a viewer feels first; activity and
// error-freedom act as smaller correction terms.
const (
	weightLatency  = 0.4
	weightFPS      = 0.3
	weightActivity = 0.2
	weightErrors   = 0.1
)

// QualityThresholds holds the hard limits that decide whether an endpoint is
// healthy enough to keep playing, plus the sampling cadence and the score
// margin a candidate must clear before the controller will preempt the active
// endpoint. The margin is hysteresis: small score deltas never cause a switch.
// Immutable once constructed; a copy travels with every component that needs it.
type QualityThresholds struct {
	MaxLatencyMs         float64       // probe latency above this marks the endpoint unhealthy
	MinFPS               float64       // measured frame rate below this marks the endpoint unhealthy
	MaxConsecutiveErrors int           // accumulated probe errors at/above this mark the endpoint unhealthy
	SampleInterval       time.Duration // period between quality samples while an endpoint is active
	SwitchScoreMargin    float64       // minimum score advantage before a switch is triggered
}

// DefaultThresholds returns the thresholds used when the config file does not
// override them.
func DefaultThresholds() QualityThresholds {
	return QualityThresholds{
		MaxLatencyMs:         3000,
		MinFPS:               5,
		MaxConsecutiveErrors: 3,
		SampleInterval:       10 * time.Second,
		SwitchScoreMargin:    0.3,
	}
}

// QualityMetrics is one immutable snapshot of an endpoint's measured quality,
// produced once per probe cycle by the sampler. LatencyMs, FPS and HTTPStatus
// are nil when the corresponding probe failed: missing data is "no evidence",
// not "worst case", and is excluded from the weighted score entirely.
// ErrorCount is the sampler's consecutive probe-error count for the current
// playback session; it resets when a session restarts on a new endpoint.
type QualityMetrics struct {
	URL               string
	Timestamp         time.Time
	LatencyMs         *float64
	FPS               *float64
	IsActive          bool // frames observed changing
	HTTPStatus        *int
	BufferingDetected bool
	ErrorCount        int
}

// QualityScore computes the composite quality score in [0,1].
//
// Each sub-score is bucketed independently and only contributes its weight
// when the underlying measurement exists, so endpoints with fewer successful
// probes implicitly score on a smaller denominator. Activity and error
// sub-scores are always present.
func (m *QualityMetrics) QualityScore() float64 {
	score := 0.0

	if m.LatencyMs != nil {
		var latencyScore float64
		switch {
		case *m.LatencyMs < LatencyExcellentMs:
			latencyScore = 1.0
		case *m.LatencyMs < LatencyGoodMs:
			latencyScore = 0.7
		case *m.LatencyMs < LatencyPoorMs:
			latencyScore = 0.4
		default:
			latencyScore = 0.1
		}
		score += latencyScore * weightLatency
	}

	if m.FPS != nil {
		var fpsScore float64
		switch {
		case *m.FPS >= FPSExcellent:
			fpsScore = 1.0
		case *m.FPS >= FPSGood:
			fpsScore = 0.7
		case *m.FPS >= FPSMinimum:
			fpsScore = 0.4
		default:
			fpsScore = 0.1
		}
		score += fpsScore * weightFPS
	}

	if m.IsActive && !m.BufferingDetected {
		score += weightActivity
	}

	errorScore := 1.0 - float64(m.ErrorCount)*0.2
	if errorScore < 0 {
		errorScore = 0
	}
	score += errorScore * weightErrors

	if score > 1.0 {
		return 1.0
	}
	if score < 0.0 {
		return 0.0
	}
	return score
}

// IsHealthy reports whether the snapshot clears every hard threshold. This is
// deliberately independent of QualityScore: a stream can score moderately and
// still be healthy enough to keep playing, or score acceptably while a single
// threshold breach flags it unhealthy.
func (m *QualityMetrics) IsHealthy(t QualityThresholds) bool {
	if !m.IsActive {
		return false
	}
	if m.BufferingDetected {
		return false
	}
	if m.ErrorCount >= t.MaxConsecutiveErrors {
		return false
	}
	if m.LatencyMs != nil && *m.LatencyMs > t.MaxLatencyMs {
		return false
	}
	if m.FPS != nil && *m.FPS < t.MinFPS {
		return false
	}
	return true
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolSize tracks the current number of healthy endpoints in the pool.
// Gauge: rises on admission, falls when endpoints are dequeued or fail.
var PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamfox_pool_size",
	Help: "Number of healthy endpoints in the pool",
})

// EndpointsAdmitted counts endpoints that passed the admission health check.
var EndpointsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamfox_endpoints_admitted_total",
	Help: "Endpoints admitted to the pool after passing the reachability check",
})

// EndpointsFailed counts endpoints moved to the failed set. The "reason" label
// distinguishes admission rejections, health-check evictions and playback failures.
var EndpointsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamfox_endpoints_failed_total",
	Help: "Endpoints marked failed",
}, []string{"reason"})

// ProbeErrors counts individual probe failures by probe kind (latency, frames, activity).
var ProbeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamfox_probe_errors_total",
	Help: "Probe invocations that returned no measurement",
}, []string{"probe"})

// QualityScore exposes the last computed quality score per endpoint.
var QualityScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamfox_quality_score",
	Help: "Last quality score per endpoint (0.0 to 1.0)",
}, []string{"endpoint"})

// StreamSwitches counts controller switches away from the active endpoint.
// The "reason" label is "quality" for proactive switches and "failure" for
// failover after a playback failure.
var StreamSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamfox_stream_switches_total",
	Help: "Endpoint switches performed by the playback controller",
}, []string{"reason"})

// PlaybackFailures counts external player exits with a nonzero code.
var PlaybackFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamfox_playback_failures_total",
	Help: "Playback process failures",
})

// ControllerState exposes the controller's current state as a numeric gauge
// (see controller.State values).
var ControllerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamfox_controller_state",
	Help: "Current playback controller state",
})

// Package telemetry holds the Prometheus collectors and the tracer shared
// by the scene host components.
//
// Every method on *Metrics is safe to call on a nil receiver, so
// components take an optional *Metrics and never branch on it.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "scenehost"

// Tracer returns the tracer used for tick and RPC spans. It is a no-op
// unless the process installs a tracer provider.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/roach88/scenehost")
}

// Metrics groups the collectors.
type Metrics struct {
	Ticks           prometheus.Counter
	StalledTicks    prometheus.Counter
	ScriptFaults    prometheus.Counter
	LWWRejected     prometheus.Counter
	ChannelOverflow prometheus.Counter
	RPCCalls        *prometheus.CounterVec
	ActiveScenes    prometheus.Gauge
	QueuedTeardowns prometheus.Gauge
	TickDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scene_ticks_total",
			Help: "Scene ticks completed.",
		}),
		StalledTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scene_stalled_ticks_total",
			Help: "Scene ticks that missed the tick budget.",
		}),
		ScriptFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scene_script_faults_total",
			Help: "Script errors caught at the scene boundary.",
		}),
		LWWRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "crdt_lww_rejected_total",
			Help: "LWW updates dropped for a stale timestamp.",
		}),
		ChannelOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_overflow_total",
			Help: "Messages held back because a scene queue was full.",
		}),
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_calls_total",
			Help: "RPC calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ActiveScenes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_scenes",
			Help: "Scenes currently activated.",
		}),
		QueuedTeardowns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queued_teardowns",
			Help: "Deactivations waiting for teardown capacity.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scene_tick_seconds",
			Help:    "Wall time of one scene tick inside the sandbox.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Ticks, m.StalledTicks, m.ScriptFaults, m.LWWRejected, m.ChannelOverflow,
		m.RPCCalls, m.ActiveScenes, m.QueuedTeardowns, m.TickDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) TickDone(seconds float64) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) TickStalled() {
	if m == nil {
		return
	}
	m.StalledTicks.Inc()
}

func (m *Metrics) Fault() {
	if m == nil {
		return
	}
	m.ScriptFaults.Inc()
}

func (m *Metrics) Rejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LWWRejected.Add(float64(n))
}

func (m *Metrics) Overflow(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChannelOverflow.Add(float64(n))
}

func (m *Metrics) RPC(kind, outcome string) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveScenes.Set(float64(n))
}

func (m *Metrics) SetQueuedTeardowns(n int) {
	if m == nil {
		return
	}
	m.QueuedTeardowns.Set(float64(n))
}

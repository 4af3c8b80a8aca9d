// Package metrics exposes mission, health and provider metrics for
// Prometheus on a private registry.
//
// Counters are fed by the provider router's observer hook and by the
// event bus. Mission and health gauges are read from their owners'
// snapshots at scrape time, so they are never stale and never contend
// with the scheduler tick.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/preflight"
	"github.com/nugget/playertxt/internal/provider"
)

const namespace = "playertxt"

// MissionSource supplies the mission snapshot.
type MissionSource interface {
	Status() mission.Session
}

// HealthSource supplies the health snapshot.
type HealthSource interface {
	Status() preflight.Status
}

// Metrics holds the collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	missionEvents   *prometheus.CounterVec
	recordFailures  prometheus.Counter
	commandEvents   *prometheus.CounterVec
	modeChanges     prometheus.Counter
}

// New creates the metrics and registers them, along with the Go
// runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Generative backend calls by role, provider and outcome.",
		}, []string{"role", "provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of generative backend calls that reached the wire.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"role", "provider"}),
		missionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_events_total",
			Help:      "Mission lifecycle events by kind.",
		}, []string{"kind"}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_record_failures_total",
			Help:      "Session record open or close attempts that failed.",
		}),
		commandEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_events_total",
			Help:      "Player command events by level.",
		}, []string{"level"}),
		modeChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_mode_changes_total",
			Help:      "Transitions of the derived system mode.",
		}),
	}

	m.registry.MustRegister(
		m.providerCalls,
		m.providerLatency,
		m.missionEvents,
		m.recordFailures,
		m.commandEvents,
		m.modeChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProvider records one routed call. Its signature matches
// provider.Observer.
func (m *Metrics) ObserveProvider(role provider.Role, kind provider.Kind, outcome string, elapsed time.Duration) {
	m.providerCalls.WithLabelValues(string(role), string(kind), outcome).Inc()
	if outcome != provider.OutcomeUnroutable {
		m.providerLatency.WithLabelValues(string(role), string(kind)).Observe(elapsed.Seconds())
	}
}

// Record updates the counters for one bus event.
func (m *Metrics) Record(e events.Event) {
	switch e.Source {
	case events.SourceMission:
		if e.Kind == events.KindRecordFailed {
			m.recordFailures.Inc()
			return
		}
		m.missionEvents.WithLabelValues(e.Kind).Inc()
	case events.SourceCommand:
		m.commandEvents.WithLabelValues(e.Level).Inc()
	case events.SourcePreflight:
		if e.Kind == events.KindModeChanged {
			m.modeChanges.Inc()
		}
	}
}

// Follow records events from bus until ctx is cancelled.
func (m *Metrics) Follow(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Record(e)
		}
	}
}

// Watch registers gauges read from the mission and health snapshots at
// scrape time. Either source may be nil.
func (m *Metrics) Watch(ms MissionSource, hs HealthSource) {
	m.registry.MustRegister(&snapshotCollector{mission: ms, health: hs})
}

var (
	missionStatusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "mission", "status"),
		"Current mission status; 1 for the active status, 0 otherwise.",
		[]string{"status"}, nil)
	missionRemainingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "mission", "remaining_seconds"),
		"Seconds left in the current mission.",
		nil, nil)
	storageUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "preflight", "storage_up"),
		"Whether the last storage probe succeeded.",
		nil, nil)
	roleUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "preflight", "role_up"),
		"Whether the last canary for a provider role succeeded.",
		[]string{"role"}, nil)
	onlineDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "preflight", "online"),
		"Whether the derived system mode is ONLINE.",
		nil, nil)
)

var allStatuses = []mission.Status{
	mission.StatusIdle,
	mission.StatusWaiting,
	mission.StatusRunning,
	mission.StatusCompleted,
}

// snapshotCollector turns snapshots into const metrics.
type snapshotCollector struct {
	mission MissionSource
	health  HealthSource
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- missionStatusDesc
	ch <- missionRemainingDesc
	ch <- storageUpDesc
	ch <- roleUpDesc
	ch <- onlineDesc
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c.mission != nil {
		s := c.mission.Status()
		for _, st := range allStatuses {
			ch <- prometheus.MustNewConstMetric(missionStatusDesc, prometheus.GaugeValue, boolValue(s.Status == st), string(st))
		}
		ch <- prometheus.MustNewConstMetric(missionRemainingDesc, prometheus.GaugeValue, float64(s.RemainingSeconds))
	}

	if c.health != nil {
		h := c.health.Status()
		ch <- prometheus.MustNewConstMetric(storageUpDesc, prometheus.GaugeValue, boolValue(h.StorageUp))
		for _, role := range []provider.Role{provider.RoleWorkhorse, provider.RoleDirector} {
			ch <- prometheus.MustNewConstMetric(roleUpDesc, prometheus.GaugeValue, boolValue(h.RoleUp[role]), string(role))
		}
		ch <- prometheus.MustNewConstMetric(onlineDesc, prometheus.GaugeValue, boolValue(h.Online()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

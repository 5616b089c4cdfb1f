package metrics

import (
	"net/http"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fail2ban_digest"

// Metrics holds the digest collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// EventsCollectedTotal counts events appended to the cache, by kind.
	EventsCollectedTotal *prometheus.CounterVec

	// LinesSkippedTotal counts lines that did not parse into an event.
	LinesSkippedTotal prometheus.Counter

	// EventsOutsideLookbackTotal counts events dropped on the first read of a log.
	EventsOutsideLookbackTotal prometheus.Counter

	// CollectErrorsTotal counts failed collect ticks.
	CollectErrorsTotal prometheus.Counter

	// RotationsTotal counts detected log rotations.
	RotationsTotal prometheus.Counter

	// ReportsTotal counts report ticks by result (sent, skipped_empty, failed).
	ReportsTotal *prometheus.CounterVec

	// DispatchDurationSeconds is the delivery latency per report.
	DispatchDurationSeconds prometheus.Histogram

	// CachedEvents is the number of events waiting for the next report.
	CachedEvents prometheus.Gauge

	// LastSuccessfulReport is the unix time of the last delivered report.
	LastSuccessfulReport prometheus.Gauge
}

// New creates the collectors and registers them together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		EventsCollectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_collected_total",
				Help:      "Events appended to the cache.",
			},
			[]string{"kind"},
		),
		LinesSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_skipped_total",
			Help:      "Log lines that are not ban, unban or found lines.",
		}),
		EventsOutsideLookbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_outside_lookback_total",
			Help:      "Events older than the initial lookback, dropped on the first read.",
		}),
		CollectErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_errors_total",
			Help:      "Failed collect ticks.",
		}),
		RotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_rotations_total",
			Help:      "Detected log rotations or truncations.",
		}),
		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_total",
				Help:      "Report ticks by result.",
			},
			[]string{"result"},
		),
		DispatchDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Report delivery latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		CachedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_events",
			Help:      "Events waiting for the next report.",
		}),
		LastSuccessfulReport: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_report_timestamp_seconds",
			Help:      "Unix time of the last delivered report.",
		}),
	}

	reg.MustRegister(
		m.EventsCollectedTotal,
		m.LinesSkippedTotal,
		m.EventsOutsideLookbackTotal,
		m.CollectErrorsTotal,
		m.RotationsTotal,
		m.ReportsTotal,
		m.DispatchDurationSeconds,
		m.CachedEvents,
		m.LastSuccessfulReport,
	)

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveCollected(events []domain.Event, skipped, dropped int, rotated bool) {
	if m == nil {
		return
	}
	for _, e := range events {
		m.EventsCollectedTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	m.LinesSkippedTotal.Add(float64(skipped))
	m.EventsOutsideLookbackTotal.Add(float64(dropped))
	if rotated {
		m.RotationsTotal.Inc()
	}
}

func (m *Metrics) ObserveCollectError() {
	if m == nil {
		return
	}
	m.CollectErrorsTotal.Inc()
}

func (m *Metrics) ObserveReport(result string, dispatch time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(result).Inc()
	if dispatch > 0 {
		m.DispatchDurationSeconds.Observe(dispatch.Seconds())
	}
	if result == ResultSent {
		m.LastSuccessfulReport.Set(float64(at.Unix()))
	}
}

func (m *Metrics) SetCached(n int) {
	if m == nil {
		return
	}
	m.CachedEvents.Set(float64(n))
}

// Report results
const (
	ResultSent         = "sent"
	ResultSkippedEmpty = "skipped_empty"
	ResultFailed       = "failed"
)

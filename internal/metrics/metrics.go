// Package metrics holds the bot's Prometheus collectors on a private
// registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calenbot"

type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requests       *prometheus.CounterVec
	reminders      *prometheus.CounterVec
	queueDrains    *prometheus.CounterVec
	queueDrainTime prometheus.Histogram
	refreshes      *prometheus.CounterVec
	entries        prometheus.Gauge
	transportErrs  *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound commands by command and access decision.",
		}, []string{"command", "decision"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder fires by result (sent, empty, unauthorized, failed).",
		}, []string{"result"}),
		queueDrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writequeue_drains_total",
			Help:      "Write queue drain attempts by collection and result.",
		}, []string{"collection", "result"}),
		queueDrainTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "writequeue_drain_seconds",
			Help:      "Duration of successful write queue drains.",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timetable_refresh_total",
			Help:      "Timetable rebuilds by result.",
		}, []string{"result"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timetable_entries",
			Help:      "Entries in the installed timetable.",
		}),
		transportErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Failed transport calls by operation.",
		}, []string{"op"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Housekeeping job runs by job and result.",
		}, []string{"job", "result"}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	reg.MustRegister(m.requests, m.reminders, m.queueDrains, m.queueDrainTime,
		m.refreshes, m.entries, m.transportErrs, m.jobRuns, goroutines)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the registry for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterGaugeFunc adds a gauge computed at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Request(command, decision string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, decision).Inc()
}

func (m *Metrics) Reminder(result string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(result).Inc()
}

func (m *Metrics) Drain(collection string, took time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.queueDrains.WithLabelValues(collection, "error").Inc()
		return
	}
	m.queueDrains.WithLabelValues(collection, "ok").Inc()
	m.queueDrainTime.Observe(took.Seconds())
}

func (m *Metrics) Refresh(entries int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.entries.Set(float64(entries))
}

func (m *Metrics) TransportError(op string) {
	if m == nil {
		return
	}
	m.transportErrs.WithLabelValues(op).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}

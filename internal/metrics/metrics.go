// Package metrics exposes Prometheus metrics for test runs
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hochfrequenz/testrun-bot/internal/bot"
	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

const (
	MetricsNamespace = "testrun"
)

// Metrics holds the run collectors registered on one registry
type Metrics struct {
	registry prometheus.Registerer

	runsTotal     *prometheus.CounterVec
	rejectedTotal prometheus.Counter
	runDuration   *prometheus.HistogramVec
	testsTotal    *prometheus.CounterVec
	lastResult    *prometheus.GaugeVec
}

// New registers the run collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_total",
			Help:      "Count of finished runs by suite, environment and status",
		}, []string{
			"suite",
			"env",
			"status",
		}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_rejected_total",
			Help:      "Count of runs rejected because the queue was full",
		}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of finished runs",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{
			"suite",
		}),
		testsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "tests_total",
			Help:      "Count of executed test cases by outcome",
		}, []string{
			"suite",
			"result",
		}),
		lastResult: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "last_run_success",
			Help:      "1 when the latest run of a suite succeeded, 0 otherwise",
		}, []string{
			"suite",
			"env",
		}),
	}
}

// TrackQueue exports the live running and queued counts
func (m *Metrics) TrackQueue(counts func() (running, queued int)) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_running",
		Help:      "Number of runs currently executing",
	}, func() float64 {
		running, _ := counts()
		return float64(running)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_queued",
		Help:      "Number of runs waiting for a worker",
	}, func() float64 {
		_, queued := counts()
		return float64(queued)
	})
}

// Observe records a run lifecycle event
func (m *Metrics) Observe(ev bot.Event) {
	switch ev.Type {
	case bot.EventRejected:
		m.rejectedTotal.Inc()
	case bot.EventFinished, bot.EventCancelled:
		m.RecordResult(ev.Request, ev.Status, ev.Result)
	}
}

// RecordResult records the outcome of a finished run
func (m *Metrics) RecordResult(req domain.RunRequest, status domain.RunStatus, res *domain.RunResult) {
	suite := req.Label()
	m.runsTotal.WithLabelValues(suite, req.Env, string(status)).Inc()

	success := 0.0
	if status == domain.RunCompleted {
		success = 1
	}
	m.lastResult.WithLabelValues(suite, req.Env).Set(success)

	if res == nil {
		return
	}
	m.runDuration.WithLabelValues(suite).Observe(res.Duration.Seconds())
	m.testsTotal.WithLabelValues(suite, "passed").Add(float64(res.Passed))
	m.testsTotal.WithLabelValues(suite, "failed").Add(float64(res.Failed))
	m.testsTotal.WithLabelValues(suite, "errors").Add(float64(res.Errors))
	m.testsTotal.WithLabelValues(suite, "skipped").Add(float64(res.Skipped))
}

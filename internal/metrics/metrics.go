package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics holds prometheus instruments for the sync pipeline and scheduler.
type Metrics struct {
	syncAttempts  *prometheus.CounterVec
	syncSynced    *prometheus.CounterVec
	syncFailed    *prometheus.CounterVec
	rateLimitHits prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	jobErrors     *prometheus.CounterVec
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers instruments on the given registerer. Tests pass a
// private registry to avoid duplicate registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		syncAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xerosync",
			Name:      "attempts_total",
			Help:      "Sync attempts per entity type.",
		}, []string{"entity"}),
		syncSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xerosync",
			Name:      "synced_total",
			Help:      "Rows successfully synced per entity type.",
		}, []string{"entity"}),
		syncFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xerosync",
			Name:      "failed_total",
			Help:      "Rows marked failed per entity type.",
		}, []string{"entity"}),
		rateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xerosync",
			Name:      "rate_limit_hits_total",
			Help:      "429 responses received from the accounting API.",
		}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduler job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "job_errors_total",
			Help:      "Errors returned by scheduler jobs.",
		}, []string{"job"}),
	}
}

func (m *Metrics) IncAttempt(entity string) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(entity).Inc()
}

func (m *Metrics) IncSynced(entity string) {
	if m == nil {
		return
	}
	m.syncSynced.WithLabelValues(entity).Inc()
}

func (m *Metrics) IncFailed(entity string) {
	if m == nil {
		return
	}
	m.syncFailed.WithLabelValues(entity).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)

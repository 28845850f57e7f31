package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cdcsync"

type Metrics struct {
	QueueDepth    *prometheus.GaugeVec
	CacheRows     *prometheus.GaugeVec
	PoolObjects   *prometheus.GaugeVec
	RowsApplied   *prometheus.CounterVec
	ApplyDuration *prometheus.HistogramVec
	ChangeSets    prometheus.Counter
	LoaderExits   prometheus.Counter
	CommitErrors  prometheus.Counter
}

// NewMetrics creates the pipeline collectors and registers them with reg
// unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "queue_depth",
				Help:      "Number of elements waiting in a pipeline queue.",
			}, []string{"queue"}),
		CacheRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "rows",
				Help:      "Rows buffered in the row cache of a table.",
			}, []string{"table"}),
		PoolObjects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "objects",
				Help:      "Objects of an arena by state.",
			}, []string{"pool", "state"}),
		RowsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "rows_applied_total",
				Help:      "Rows applied to the destination.",
			}, []string{"table"}),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "apply_duration_seconds",
				Help:      "Bucketed histogram of the time (s) spent applying one row set.",
				Buckets:   prometheus.ExponentialBuckets(0.002, 2, 16),
			}, []string{"table"}),
		ChangeSets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "changesets_total",
				Help:      "Change sets applied.",
			}),
		LoaderExits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "exits_total",
				Help:      "Loader tasks that have exited.",
			}),
		CommitErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bookkeeping",
				Name:      "commit_errors_total",
				Help:      "Source acknowledgements that failed and will be retried.",
			}),
	}
	if reg != nil {
		reg.MustRegister(m.QueueDepth, m.CacheRows, m.PoolObjects, m.RowsApplied,
			m.ApplyDuration, m.ChangeSets, m.LoaderExits, m.CommitErrors)
	}
	return m
}

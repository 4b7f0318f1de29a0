// Package metrics exposes Prometheus counters for the orchestration loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide counters
type Metrics struct {
	ReconcileCycles  prometheus.Counter
	DownloadsStarted prometheus.Counter
	DownloadsDone    prometheus.Counter
	DownloadsFailed  prometheus.Counter
	UntrackedAdopted prometheus.Counter
	BackendPollErr   *prometheus.CounterVec
}

// New registers the counters on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReconcileCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_reconcile_cycles_total",
			Help: "Number of reconciliation cycles run.",
		}),
		DownloadsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_downloads_started_total",
			Help: "Number of downloads handed to a backend.",
		}),
		DownloadsDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_downloads_completed_total",
			Help: "Number of downloads that finished and were imported.",
		}),
		DownloadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_downloads_failed_total",
			Help: "Number of downloads that ended in failure.",
		}),
		UntrackedAdopted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_untracked_adopted_total",
			Help: "Number of untracked backend items adopted into tracking.",
		}),
		BackendPollErr: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fetcharr_backend_poll_errors_total",
			Help: "Number of failed backend polls during reconciliation.",
		}, []string{"backend"}),
	}
}

// Package metrics exports sampler and job counters to prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fumin/dqmc"
)

const namespace = "dqmc"

// Recorder counts proposals, rebuilds and jobs.
// It is safe for concurrent use by the simulations of a worker pool.
type Recorder struct {
	proposals *prometheus.CounterVec
	rebuilds  prometheus.Counter
	drifts    prometheus.Counter
	drift     prometheus.Histogram
	jobs      *prometheus.CounterVec
}

var _ dqmc.Monitor = (*Recorder)(nil)

// NewRecorder registers the counters with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		proposals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Auxiliary field flip proposals by outcome.",
		}, []string{"result"}),
		rebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Full rebuilds of the stabilized factorization.",
		}),
		drifts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_detected_total",
			Help:      "Rebuilds whose weight disagreed with the tracked weight.",
		}),
		drift: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drift_log_weight",
			Help:      "Absolute difference between rebuilt and tracked log weights.",
			Buckets:   prometheus.ExponentialBuckets(1e-14, 10, 14),
		}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by status.",
		}, []string{"status"}),
	}
}

func (r *Recorder) Proposed(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	r.proposals.WithLabelValues(result).Inc()
}

func (r *Recorder) Rebuilt(d dqmc.Drift, exceeded bool) {
	r.rebuilds.Inc()
	r.drift.Observe(d.Abs())
	if exceeded {
		r.drifts.Inc()
	}
}

// Job counts a finished job.
func (r *Recorder) Job(status string) {
	r.jobs.WithLabelValues(status).Inc()
}

// Serve exposes the metrics of g on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return errors.Wrap(err, "")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

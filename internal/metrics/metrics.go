package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvforge"

// Set bundles the collectors shared by the ingestion pipeline, the job
// queues and the webhook dispatcher.
type Set struct {
	CommitsIngested  *prometheus.CounterVec
	JobsEnqueued     *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	ClaimFailures    *prometheus.CounterVec
	WebhookDelivered *prometheus.CounterVec
	WebhookDuration  prometheus.Histogram
}

var (
	defaultSetOnce sync.Once
	defaultSetInst *Set
)

func Default() *Set {
	defaultSetOnce.Do(func() {
		defaultSetInst = New(prometheus.DefaultRegisterer)
	})
	return defaultSetInst
}

func New(reg prometheus.Registerer) *Set {
	m := &Set{
		CommitsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "commits_total",
			Help:      "Commits processed by the ingestion pipeline.",
		}, []string{"result"}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued per queue.",
		}, []string{"queue"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Jobs finished per queue and terminal status.",
		}, []string{"queue", "status"}),
		ClaimFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claim_failures_total",
			Help:      "Failed claim attempts per queue.",
		}, []string{"queue"}),
		WebhookDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Webhook POST latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CommitsIngested, m.JobsEnqueued, m.JobsCompleted,
			m.ClaimFailures, m.WebhookDelivered, m.WebhookDuration)
	}
	return m
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Package metrics holds the Prometheus collectors of the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	PlansSubmitted     prometheus.Counter
	PlansFinalized     *prometheus.CounterVec
	ShardTransitions   *prometheus.CounterVec
	ShardsReused       prometheus.Counter
	ShardDuration      *prometheus.HistogramVec
	ShardsRunning      prometheus.Gauge
	CheckpointErrors   *prometheus.CounterVec
	Certifications     *prometheus.CounterVec
	SkippedPartitions  prometheus.Counter
	CanonicalizeErrors prometheus.Counter
}

// New registers every collector on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		PlansSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hxo_plans_submitted_total",
			Help: "Plans accepted for execution.",
		}),
		PlansFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hxo_plans_finalized_total",
			Help: "Plans finalized, by outcome.",
		}, []string{"outcome"}),
		ShardTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hxo_shard_transitions_total",
			Help: "Shard phase transitions written.",
		}, []string{"phase"}),
		ShardsReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "hxo_shards_reused_total",
			Help: "Shards satisfied by an existing DONE result without executing.",
		}),
		ShardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hxo_shard_duration_seconds",
			Help:    "Executor wall time per shard attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"executor", "success"}),
		ShardsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hxo_shards_running",
			Help: "Shards currently holding a concurrency slot.",
		}),
		CheckpointErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hxo_checkpoint_write_errors_total",
			Help: "Failed checkpoint writes, by operation.",
		}, []string{"op"}),
		Certifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hxo_certifications_total",
			Help: "Certification requests, by result.",
		}, []string{"result"}),
		SkippedPartitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "hxo_skipped_partitions_total",
			Help: "Partitions dropped by max_shards or canonicalization failure.",
		}),
		CanonicalizeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hxo_canonicalization_errors_total",
			Help: "Partitions that could not be canonicalized.",
		}),
	}
}

// NewRegistry returns a fresh registry with the collectors registered.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, New(reg)
}

func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

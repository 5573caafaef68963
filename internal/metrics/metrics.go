// Package metrics exposes the pipeline's Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global     *Metrics
	globalOnce sync.Once
)

type Metrics struct {
	// docgraph_documents_total{outcome}
	Documents *prometheus.CounterVec
	// docgraph_stage_duration_seconds{stage}
	StageDuration *prometheus.HistogramVec
	// docgraph_store_writes_total{op,result}
	StoreWrites *prometheus.CounterVec
	// docgraph_dropped_relationships_total
	DroppedRelationships prometheus.Counter
	// docgraph_queue_messages_total{result}
	QueueMessages *prometheus.CounterVec
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Documents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docgraph_documents_total",
			Help: "Documents processed, by outcome",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docgraph_stage_duration_seconds",
			Help:    "Time spent per document in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		StoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docgraph_store_writes_total",
			Help: "Graph store writes, by operation and result",
		}, []string{"op", "result"}),
		DroppedRelationships: f.NewCounter(prometheus.CounterOpts{
			Name: "docgraph_dropped_relationships_total",
			Help: "Relationships dropped because an endpoint was missing",
		}),
		QueueMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docgraph_queue_messages_total",
			Help: "Ingest queue messages, by result",
		}, []string{"result"}),
	}
}

// Default returns the metrics registered once with the default registry.
func Default() *Metrics {
	globalOnce.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// Hooks feeds pipeline events into m.
func (m *Metrics) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		Stage: func(stage pipeline.State, d time.Duration) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
		},
		Document: func(outcome string) {
			m.Documents.WithLabelValues(outcome).Inc()
		},
		Write: func(op string, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.StoreWrites.WithLabelValues(op, result).Inc()
		},
		Dropped: func(n int) {
			m.DroppedRelationships.Add(float64(n))
		},
	}
}

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one server instance. Each
// server carries its own registry so multiple instances in one process
// (tests, mainly) do not collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	uploadsTotal    *prometheus.CounterVec
	conflictsTotal  prometheus.Counter
	chunksAssembled prometheus.Counter
	bytesStored     prometheus.Counter
}

// newMetrics creates and registers the server collectors.
func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filehaven",
			Subsystem: "server",
			Name:      "uploads_total",
			Help:      "Completed uploads by kind (safe, chunked, restore, duplicate).",
		}, []string{"kind"}),
		conflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filehaven",
			Subsystem: "server",
			Name:      "conflicts_total",
			Help:      "Conflicts detected and recorded.",
		}),
		chunksAssembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filehaven",
			Subsystem: "server",
			Name:      "chunks_assembled_total",
			Help:      "Chunked uploads fully assembled into a version.",
		}),
		bytesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filehaven",
			Subsystem: "server",
			Name:      "stored_bytes_total",
			Help:      "Bytes written to the content store by uploads.",
		}),
	}
}

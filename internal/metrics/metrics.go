// Package metrics holds the prometheus collectors the download engine reports to.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChunksDownloaded prometheus.Counter
	ChunkRetries     prometheus.Counter
	BytesDownloaded  prometheus.Counter
	BytesWritten     prometheus.Counter
	WorkersStalled   prometheus.Counter
	WorkersSpawned   prometheus.Counter
	ActiveWorkers    prometheus.Gauge
	Jobs             *prometheus.CounterVec
}

// New registers the engine collectors with reg. Pass a fresh
// prometheus.NewRegistry() when the numbers are not exported.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ChunksDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "govelocity_chunks_downloaded_total",
			Help: "Chunks fetched successfully",
		}),
		ChunkRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "govelocity_chunk_retries_total",
			Help: "Chunk fetch attempts that ended in a retry",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "govelocity_downloaded_bytes_total",
			Help: "Body bytes received from sources",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "govelocity_written_bytes_total",
			Help: "Bytes written to output streams",
		}),
		WorkersStalled: f.NewCounter(prometheus.CounterOpts{
			Name: "govelocity_workers_stalled_total",
			Help: "Workers stopped by the health check",
		}),
		WorkersSpawned: f.NewCounter(prometheus.CounterOpts{
			Name: "govelocity_workers_spawned_total",
			Help: "Workers started, including respawns",
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "govelocity_active_workers",
			Help: "Workers currently running",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "govelocity_jobs_total",
			Help: "Finished jobs by final status",
		}, []string{"status"}),
	}
}

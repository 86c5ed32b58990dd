// Package metrics exposes Prometheus instrumentation for store, delete,
// and garbage-collect operations and chunk reuse against a dedupe index.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dedupe"

var (
	// Registry is a dedicated Prometheus registry for all dedupe metrics.
	Registry = prometheus.NewRegistry()

	// StoreTotal counts store_object/store_or_replace_object calls by outcome.
	StoreTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_total",
			Help:      "Total number of store_object operations",
		},
		[]string{"outcome"}, // success | conflict | callback_failure | invalid_argument
	)

	// StoreFailureTotal counts store operations that triggered compensation.
	StoreFailureTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failure_total",
			Help:      "Total number of store operations that failed and ran compensation",
		},
	)

	// ObjectBytesTotal accumulates logical bytes stored across all objects.
	ObjectBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_bytes_total",
			Help:      "Cumulative logical bytes passed to store_object",
		},
	)

	// ChunkTotal counts chunks produced by the chunker, by whether they were
	// new physical chunks or deduplicated against an existing key.
	ChunkTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_total",
			Help:      "Total chunks emitted by the chunker",
		},
		[]string{"outcome"}, // new | reuse
	)

	// DedupRatio reports the fraction of chunks passed to ObserveChunk
	// that were reused, as of the most recent reused chunk.
	DedupRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_ratio",
			Help:      "Fraction of observed chunks that reused an existing key",
		},
	)

	// DeleteTotal counts delete_object operations.
	DeleteTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_total",
			Help:      "Total number of delete_object operations",
		},
	)

	// OrphanedChunkTotal counts chunk bytes left behind after a best-effort
	// delete_chunk callback failure.
	OrphanedChunkTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_chunk_total",
			Help:      "Chunk keys whose external bytes could not be deleted during cleanup",
		},
	)

	// IndexObjectCount gauges the current object count per namespace label.
	IndexObjectCount = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_object_count",
			Help:      "Number of objects currently tracked in the index",
		},
		[]string{"namespace"},
	)

	// IndexChunkCount gauges the current unique chunk count per namespace label.
	IndexChunkCount = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_chunk_count",
			Help:      "Number of distinct chunk keys currently referenced",
		},
		[]string{"namespace"},
	)

	// Up is a liveness gauge for the hosting process.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the process is running and healthy",
		},
	)
)

var (
	chunkTotalCount atomic.Int64
	chunkReuseCount atomic.Int64
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// ObserveStore records a successful store_object call.
func ObserveStore(logicalBytes, chunkCount int) {
	StoreTotal.WithLabelValues("success").Inc()
	if logicalBytes > 0 {
		ObjectBytesTotal.Add(float64(logicalBytes))
	}
	_ = chunkCount
}

// ObserveStoreOutcome records a store_object call that did not succeed.
func ObserveStoreOutcome(outcome string) {
	StoreTotal.WithLabelValues(outcome).Inc()
}

// ObserveChunk records a chunk outcome (new physical bytes vs deduplicated
// against an already-present key) and refreshes the running dedup ratio.
func ObserveChunk(reused bool) {
	count := chunkTotalCount.Add(1)
	outcome := "new"
	if reused {
		outcome = "reuse"
		reusedCount := chunkReuseCount.Add(1)
		if count > 0 {
			DedupRatio.Set(float64(reusedCount) / float64(count))
		}
	}
	ChunkTotal.WithLabelValues(outcome).Inc()
}

// SetIndexCounts publishes the current object/chunk counts for a namespace
// ("" for the flat index's single namespace, or a container name).
func SetIndexCounts(namespace string, objectCount, chunkCount int) {
	IndexObjectCount.WithLabelValues(namespace).Set(float64(objectCount))
	IndexChunkCount.WithLabelValues(namespace).Set(float64(chunkCount))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}

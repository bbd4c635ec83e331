package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Transport
	TransportConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_connect_total", Help: "Socket dial attempts."},
		[]string{"result"}, // ok | error
	)
	TransportDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "transport_disconnect_total", Help: "Socket connections lost."},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_events_total", Help: "Inbound socket events."},
		[]string{"event", "result"}, // applied | ignored | unknown | malformed
	)

	// Outbox
	OutboxEnqueue = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outbox_enqueue_total", Help: "Enqueue outcomes."},
		[]string{"result"}, // sent | deferred | dropped | error
	)
	OutboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_depth", Help: "Commands waiting for the transport."},
	)
	OutboxFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outbox_flushed_total", Help: "Commands emitted by flushes."},
	)

	// Reconciler
	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "status_transitions_total", Help: "Message status updates."},
		[]string{"result"}, // accepted | ignored | unknown
	)

	// Read receipts
	ReceiptBatches = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "receipt_batches_total", Help: "mark-messages-read commands emitted."},
	)
	ReceiptBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "receipt_batch_size",
			Help:    "Messages per read-receipt batch.",
			Buckets: prometheus.LinearBuckets(1, 5, 10), // 1,6,...,46
		},
	)

	// Lifecycle + reactions
	LifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lifecycle_ops_total", Help: "Close/reopen outcomes."},
		[]string{"op", "result"}, // ok | rejected | superseded
	)
	ReactionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reaction_ops_total", Help: "Reaction updates."},
		[]string{"origin", "result"}, // local|remote, applied | unchanged | rejected | unknown
	)
	BackendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Collaborator HTTP latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"op"},
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		TransportConnects, TransportDisconnects, InboundEvents,
		OutboxEnqueue, OutboxDepth, OutboxFlushed,
		StatusTransitions, ReceiptBatches, ReceiptBatchSize,
		LifecycleOps, ReactionOps, BackendDuration,
	)
}

// PGXPoolStats exports journal pool stats.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journal_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journal_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journal_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journal_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireLatency.Set(s.AcquireDuration().Seconds())
		}
	}
}

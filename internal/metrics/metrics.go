package metrics

import (
	"sync"
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

	// Delivery
	DeliverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "deliver_total", Help: "Delivery attempt outcomes."},
		[]string{"outcome"}, // delivered | queued | dropped | error
	)
	PushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_duration_seconds",
			Help:    "Per-channel push latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms..~4s
		},
	)

	// Scheduler
	SweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sweep_total", Help: "Sweep results."},
		[]string{"result"}, // ok | empty | error
	)
	SweepBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_batch_size",
			Help:    "Due messages picked up per sweep.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Sweep wall time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// Presence
	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "presence_online_users", Help: "Users with at least one live channel."},
	)
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_connections", Help: "Open websocket connections."},
	)
)

var registerOnce sync.Once

// MustRegister registers default + our collectors. Safe to call from both the
// API server and tests that mount the router more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			DeliverTotal, PushDuration,
			SweepTotal, SweepBatchSize, SweepDuration,
			OnlineUsers, WSConnections,
		)
	})
}

// PGXPoolStats is a tiny pgxpool stats exporter.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
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
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}

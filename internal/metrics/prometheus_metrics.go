// Package metrics exposes FlowTrace's Prometheus metrics, grounded on the
// teacher's internal/metrics/prometheus_metrics.go — same registration
// and HTTP-server idiom, relabeled for the trade/candle/publish pipeline
// instead of the teacher's order-book/analytics surface.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector FlowTrace registers.
type Metrics struct {
	GapsDetected     *prometheus.CounterVec
	GapSizes         *prometheus.HistogramVec
	TradesProcessed  *prometheus.CounterVec
	TradesDropped    *prometheus.CounterVec
	CandlesEmitted   *prometheus.CounterVec
	ProcessingLatency *prometheus.HistogramVec

	PublishChannelState *prometheus.GaugeVec
	PublishReconnects   *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec

	WorkerRestarts *prometheus.CounterVec
	ServiceUptime  *prometheus.GaugeVec

	log    *zap.Logger
	server *http.Server
}

// New creates and registers FlowTrace's metric collectors.
func New(log *zap.Logger) *Metrics {
	m := &Metrics{
		log: log.Named("metrics"),

		GapsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_gaps_detected_total",
				Help: "Total number of trade-id sequence gaps detected",
			},
			[]string{"exchange", "symbol", "severity"},
		),
		GapSizes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowtrace_gap_sizes",
				Help:    "Distribution of gap sizes detected",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"exchange", "symbol"},
		),
		TradesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_trades_processed_total",
				Help: "Total number of trades that reached the state machine",
			},
			[]string{"exchange", "symbol"},
		),
		TradesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_trades_dropped_total",
				Help: "Total number of trades dropped, by reason",
			},
			[]string{"exchange", "symbol", "reason"},
		),
		CandlesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_candles_emitted_total",
				Help: "Total number of candles closed and emitted",
			},
			[]string{"exchange", "symbol", "timeframe"},
		),
		ProcessingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowtrace_processing_latency_seconds",
				Help:    "Message processing latency in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"service", "operation"},
		),
		PublishChannelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowtrace_publish_channel_state",
				Help: "Hybrid publisher fast-channel state (1=connected, 0=disconnected)",
			},
			[]string{"channel"},
		),
		PublishReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_publish_reconnects_total",
				Help: "Total number of fast-channel reconnect attempts",
			},
			[]string{"channel"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowtrace_queue_depth",
				Help: "Unprocessed rows currently in the durable queue",
			},
			[]string{"queue"},
		),
		WorkerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_worker_restarts_total",
				Help: "Total number of worker restarts by the supervisor",
			},
			[]string{"worker_id"},
		),
		ServiceUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowtrace_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
			[]string{"service"},
		),
	}

	prometheus.MustRegister(
		m.GapsDetected,
		m.GapSizes,
		m.TradesProcessed,
		m.TradesDropped,
		m.CandlesEmitted,
		m.ProcessingLatency,
		m.PublishChannelState,
		m.PublishReconnects,
		m.QueueDepth,
		m.WorkerRestarts,
		m.ServiceUptime,
	)

	return m
}

// Start serves /metrics on port, plus /health served by extra when extra
// is non-nil.
func (m *Metrics) Start(port string, extra http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if extra != nil {
		mux.Handle("/health", extra)
	}

	m.server = &http.Server{Addr: ":" + port, Handler: mux}

	m.log.Info("starting metrics server", zap.String("port", port))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the metrics server down gracefully.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.log.Info("stopping metrics server")
	return m.server.Shutdown(ctx)
}

func (m *Metrics) RecordGapDetected(exchange, symbol, severity string, gapSize uint64) {
	m.GapsDetected.WithLabelValues(exchange, symbol, severity).Inc()
	m.GapSizes.WithLabelValues(exchange, symbol).Observe(float64(gapSize))
}

func (m *Metrics) RecordTradeProcessed(exchange, symbol string) {
	m.TradesProcessed.WithLabelValues(exchange, symbol).Inc()
}

func (m *Metrics) RecordTradeDropped(exchange, symbol, reason string) {
	m.TradesDropped.WithLabelValues(exchange, symbol, reason).Inc()
}

func (m *Metrics) RecordCandleEmitted(exchange, symbol, timeframe string) {
	m.CandlesEmitted.WithLabelValues(exchange, symbol, timeframe).Inc()
}

func (m *Metrics) RecordProcessingLatency(service, operation string, d time.Duration) {
	m.ProcessingLatency.WithLabelValues(service, operation).Observe(d.Seconds())
}

func (m *Metrics) SetPublishChannelState(channel string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.PublishChannelState.WithLabelValues(channel).Set(v)
}

func (m *Metrics) RecordPublishReconnect(channel string) {
	m.PublishReconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) RecordWorkerRestart(workerID string) {
	m.WorkerRestarts.WithLabelValues(workerID).Inc()
}

func (m *Metrics) SetServiceUptime(service string, uptime time.Duration) {
	m.ServiceUptime.WithLabelValues(service).Set(uptime.Seconds())
}

// Command ingest runs FlowTrace's ingest process: it dials each configured
// exchange's trade stream, routes trades to the worker owning each symbol,
// and publishes closed candles, gaps, and dirty snapshots out over the
// hybrid fast/durable channel to the persistence process (spec.md §1/§2).
//
// Grounded on cmd/main.go's P9MicroStream lifecycle (initialize/start/
// waitForShutdown/shutdown), generalized from "websocket broadcaster" to
// "candle pipeline ingest".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flowtrace/internal/config"
	"flowtrace/internal/feed"
	"flowtrace/internal/health"
	"flowtrace/internal/ingestwire"
	"flowtrace/internal/metrics"
	"flowtrace/internal/model"
	"flowtrace/internal/publisher"
	"flowtrace/internal/queue"
	"flowtrace/internal/router"
	"flowtrace/internal/supervisor"
	"flowtrace/internal/telemetry"
	"flowtrace/internal/worker"
	pkgredis "flowtrace/pkg/redis"
)

func main() {
	fmt.Println("FlowTrace ingest — trade feed -> candle workers -> hybrid publisher")

	app := &ingestService{}

	if err := app.initialize(); err != nil {
		fmt.Printf("failed to initialize ingest: %v\n", err)
		os.Exit(1)
	}
	if err := app.start(); err != nil {
		fmt.Printf("failed to start ingest: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ingest stopped gracefully")
}

type ingestService struct {
	cfg *config.Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	metrics    *metrics.Metrics
	durable    *queue.Queue
	pub        *publisher.HybridPublisher
	sink       *ingestwire.PublisherSink
	snapshots  *ingestwire.SnapshotQueryClient
	redis      *pkgredis.Client
	telemetry  *telemetry.Publisher

	pool    *worker.Pool
	rt      *router.Router
	workers map[string]*worker.Worker
	feeds   map[string]feed.Feed
	refetchers map[string]*feed.GapRefetcher
	super      *supervisor.Supervisor
}

func clockMs() int64 { return time.Now().UnixMilli() }

func (app *ingestService) initialize() error {
	var err error
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.log, err = setupLogger()
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	app.log.Info("initializing ingest process")

	configPath := resolveConfigPath()
	app.cfg, err = config.NewConfigLoader().LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app.log.Info("configuration loaded",
		zap.Int("exchanges", len(app.cfg.Exchanges)),
		zap.Int("workers", app.cfg.Workers.Count))

	app.metrics = metrics.New(app.log)

	app.durable, err = queue.Open(app.cfg.Queue.DBPath, app.log)
	if err != nil {
		return fmt.Errorf("open durable queue: %w", err)
	}

	app.pub = publisher.NewHybridPublisher(publisher.Config{
		SocketPath:     app.cfg.Publisher.SocketPath,
		WriteTimeout:   parseDurationOr(app.cfg.Publisher.WriteTimeout, time.Second),
		InitialBackoff: parseDurationOr(app.cfg.Publisher.InitialBackoff, time.Second),
		MaxBackoff:     parseDurationOr(app.cfg.Publisher.MaxBackoff, 30*time.Second),
		MaxAttempts:    app.cfg.Publisher.MaxBackoffAttempts,
	}, app.durable, app.metrics, app.log)

	app.sink = ingestwire.NewPublisherSink(app.pub, clockMs)
	app.snapshots = ingestwire.NewSnapshotQueryClient(app.cfg.IPC.SocketPath, 5*time.Second, clockMs)

	if app.cfg.Redis.Enabled {
		redisURL := fmt.Sprintf("redis://%s", app.cfg.GetRedisAddress())
		app.redis, err = pkgredis.NewClient(pkgredis.ClientConfig{
			URL:          redisURL,
			DB:           app.cfg.GetRedisDatabase(),
			Password:     app.cfg.Redis.Password,
			PoolSize:     app.cfg.Redis.PoolSize,
			RetryBackoff: parseDurationOr(app.cfg.Redis.Timeout, time.Second),
		}, app.log)
		if err != nil {
			app.log.Warn("redis telemetry disabled, connection failed", zap.Error(err))
		} else {
			app.telemetry = telemetry.New(app.redis, time.Now)
		}
	}

	app.pool = worker.NewPool(worker.PoolConfig{
		MaxRetries:     app.cfg.Workers.MaxRetries,
		InitialBackoff: parseDurationOr(app.cfg.Workers.InitialBackoff, time.Second),
		MaxBackoff:     parseDurationOr(app.cfg.Workers.MaxBackoff, 30*time.Second),
		BackoffFactor:  app.cfg.Workers.BackoffFactor,
	}, app.metrics, app.log)
	app.rt = router.New(app.log)
	app.workers = make(map[string]*worker.Worker)
	app.feeds = make(map[string]feed.Feed)
	app.refetchers = make(map[string]*feed.GapRefetcher)

	gapSink := app.newGapSink()
	snapshotInterval := parseDurationOr(app.cfg.Workers.SnapshotInterval, 30*time.Second)
	for i := 0; i < app.cfg.Workers.Count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		w := worker.New(worker.Config{
			ID:               id,
			SnapshotInterval: snapshotInterval,
			ClockMs:          clockMs,
		}, app.snapshots, app.sink, app.sink, gapSink, app.metrics, app.log)
		if err := app.pool.Add(id, w); err != nil {
			return fmt.Errorf("add worker %s: %w", id, err)
		}
		app.rt.AddWorker(id, w)
		app.workers[id] = w
	}

	for _, ex := range app.cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		switch ex.Name {
		case "binance":
			app.feeds[ex.Name] = feed.NewBinanceFeed(feed.BinanceConfig{WSBaseURL: ex.WebSocketURL}, app.log)
		default:
			app.log.Warn("no feed implementation for exchange, skipping", zap.String("exchange", ex.Name))
			continue
		}
		app.refetchers[ex.Name] = feed.NewGapRefetcher(ex.RESTBaseURL, ex.GapRefetchRPS, ex.GapRefetchBurst, app.log)
	}

	app.super = supervisor.NewSupervisor(app.log)
	for _, ex := range app.cfg.Exchanges {
		f, ok := app.feeds[ex.Name]
		if !ok {
			continue
		}
		workerCfg := supervisor.WorkerConfig{
			Name:           ex.Name,
			Exchange:       ex.Name,
			MaxRetries:     ex.MaxReconnectAttempts,
			InitialBackoff: parseDurationOr(ex.ReconnectBackoff, 5*time.Second),
			MaxBackoff:     parseDurationOr(ex.MaxReconnectBackoff, time.Minute),
			BackoffFactor:  app.cfg.Workers.BackoffFactor,
		}
		if err := app.super.AddWorker(workerCfg, app.feedWorkerFunc(ex, f)); err != nil {
			return fmt.Errorf("add feed worker %s: %w", ex.Name, err)
		}
	}

	app.log.Info("core components initialized")
	return nil
}

func setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func resolveConfigPath() string {
	execPath, _ := os.Executable()
	execDir := filepath.Dir(execPath)
	candidate := filepath.Join(execDir, "configs", "ingest.yaml")
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		candidate = filepath.Join(execDir, "configs", "config.yaml")
	}
	return candidate
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (app *ingestService) start() error {
	app.log.Info("starting ingest process")

	app.pool.Start()

	// Send WORKER_INIT to every worker before any symbol assignment, per
	// internal/worker's documented boot sequence.
	for _, w := range app.workers {
		w.Send(worker.Message{Type: worker.MsgWorkerInit})
	}

	if err := app.assignSymbols(); err != nil {
		return fmt.Errorf("assign symbols: %w", err)
	}

	if err := app.super.Start(); err != nil {
		return fmt.Errorf("start feed supervisor: %w", err)
	}

	go app.statusReportLoop()

	if app.cfg.Monitoring.MetricsEnabled {
		checkers := health.Checkers{Socket: publisherHealth{pub: app.pub}}
		port := strconv.Itoa(app.cfg.Monitoring.HealthPort)
		if err := app.metrics.Start(port, health.Handler(checkers, time.Now)); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	app.printStartupSummary()
	return nil
}

// publisherHealth adapts publisher.HybridPublisher's Healthy to
// health.SocketChecker so cmd/ingest's /health reports fast-channel
// connectivity the way cmd/persistence reports its IPC listener.
type publisherHealth struct {
	pub *publisher.HybridPublisher
}

func (p publisherHealth) SocketHealthy() bool {
	return p.pub.Healthy()
}

// assignSymbols routes each enabled exchange's enabled symbols to their
// hash-ring owner (spec.md §4.9).
func (app *ingestService) assignSymbols() error {
	for _, ex := range app.cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		for _, symbol := range ex.Symbols {
			symCfg, ok := app.cfg.GetSymbolConfig(symbol)
			if !ok || !symCfg.Enabled {
				continue
			}
			if err := app.rt.AssignSymbolToWorker(ex.Name, symbol, symCfg.TickValue, symCfg.BinMultiplier); err != nil {
				app.log.Error("symbol assignment failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
	return nil
}

// feedWorkerFunc builds the supervised unit of work for one exchange's
// Feed: dial, then pump trades into the router until the stream drops or
// the supervisor cancels it. Grounded on cmd/main.go's createWebSocketWorker
// reconnect loop, with the retry/backoff itself now owned by
// internal/supervisor rather than hand-rolled per feed.
func (app *ingestService) feedWorkerFunc(ex config.ExchangeConfig, f feed.Feed) supervisor.WorkerFunc {
	symbolsLower := make([]string, len(ex.Symbols))
	for i, s := range ex.Symbols {
		symbolsLower[i] = strings.ToLower(s)
	}
	logger := app.log.With(zap.String("exchange", ex.Name))

	return func(ctx context.Context) error {
		if err := f.Start(symbolsLower); err != nil {
			return fmt.Errorf("feed start: %w", err)
		}
		return app.pumpFeed(ctx, ex.Name, f, logger)
	}
}

// pumpFeed drains one connected Feed's trade and error channels until the
// connection drops or ctx is cancelled. A nil-returning channel close or a
// disconnect is reported as an error so the supervisor retries with
// backoff; ctx cancellation returns context.Canceled, which the supervisor
// treats as a deliberate, non-retried stop.
func (app *ingestService) pumpFeed(ctx context.Context, exchange string, f feed.Feed, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			f.Close()
			return context.Canceled
		case trade, ok := <-f.Trades():
			if !ok {
				return fmt.Errorf("feed %s: trade stream closed", exchange)
			}
			app.rt.Route(exchange, trade.Symbol, []model.Trade{trade})
		case err, ok := <-f.Errors():
			if !ok {
				return fmt.Errorf("feed %s: error stream closed", exchange)
			}
			logger.Warn("feed stream error", zap.Error(err))
			if !f.Connected() {
				return err
			}
		}
	}
}

// statusReportLoop periodically polls every worker for a status reply,
// fans it out over telemetry if configured (spec.md §4.8 SYNC_METRICS),
// and refreshes the queue-depth/uptime gauges.
func (app *ingestService) statusReportLoop() {
	started := time.Now()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.metrics.SetServiceUptime("ingest", time.Since(started))
			if depth, err := app.durable.Depth(); err == nil {
				app.metrics.SetQueueDepth("durable", depth)
			}
			if app.telemetry == nil {
				continue
			}
			for _, w := range app.workers {
				reply := make(chan worker.StatusReply, 1)
				w.Send(worker.Message{Type: worker.MsgWorkerStatus, Reply: reply})
				select {
				case status := <-reply:
					if err := app.telemetry.PublishWorkerStatus(app.ctx, status); err != nil {
						app.log.Warn("publish worker status failed", zap.Error(err))
					}
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

func (app *ingestService) printStartupSummary() {
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("FlowTrace ingest started")
	fmt.Printf("workers: %d   exchanges: %d   tracked symbols: %d\n",
		app.cfg.Workers.Count, len(app.feeds), len(app.rt.TrackedSymbols()))
	fmt.Println(strings.Repeat("=", 72))
}

func (app *ingestService) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.log.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *ingestService) shutdown() error {
	app.log.Info("shutting down ingest process")
	app.cancel()

	if err := app.super.Stop(); err != nil {
		app.log.Error("error stopping feed supervisor", zap.Error(err))
	}
	app.pool.Stop()
	if err := app.metrics.Stop(); err != nil {
		app.log.Error("error stopping metrics server", zap.Error(err))
	}
	if err := app.pub.Close(); err != nil {
		app.log.Error("error closing publisher", zap.Error(err))
	}
	if err := app.durable.Close(); err != nil {
		app.log.Error("error closing durable queue", zap.Error(err))
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.log.Error("error closing redis client", zap.Error(err))
		}
	}

	app.log.Info("ingest shutdown complete")
	return nil
}

// ingestGapSink fans a detected gap out three ways: persisted through the
// hybrid publisher (for the gap-state store), published to the telemetry
// channel if configured, and handed to the exchange's GapRefetcher for
// async recovery, with recovered trades re-injected through the normal
// routing path (spec.md §7 "Gap detected").
type ingestGapSink struct {
	app *ingestService
}

func (app *ingestService) newGapSink() worker.GapSink {
	return &ingestGapSink{app: app}
}

func (s *ingestGapSink) PublishGap(g model.GapRecord) error {
	if err := s.app.sink.PublishGap(g); err != nil {
		return err
	}
	if s.app.telemetry != nil {
		if err := s.app.telemetry.PublishGap(s.app.ctx, g); err != nil {
			s.app.log.Warn("telemetry gap publish failed", zap.Error(err))
		}
	}
	s.app.metrics.RecordGapDetected(g.Exchange, g.Symbol, string(g.Severity()), g.GapSize)

	refetcher, ok := s.app.refetchers[g.Exchange]
	if !ok {
		return nil
	}
	go s.app.recoverGap(refetcher, g)
	return nil
}

func (app *ingestService) recoverGap(refetcher *feed.GapRefetcher, g model.GapRecord) {
	ctx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
	defer cancel()

	trades, err := refetcher.Refetch(ctx, g.Exchange, g.Symbol, g)
	if err != nil {
		app.log.Error("gap refetch failed", zap.String("symbol", g.Symbol), zap.Error(err))
		return
	}
	if len(trades) == 0 {
		return
	}
	app.rt.Route(g.Exchange, g.Symbol, trades)
}

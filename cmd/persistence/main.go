// Command persistence runs FlowTrace's persistence process: it accepts
// IPC envelopes from the ingest process's hybrid publisher, writes candles
// and gap/state records to SQLite, drains the durable queue's backlog, and
// serves /health and /metrics (spec.md §1/§2/§6).
//
// Grounded on cmd/main.go's P9MicroStream lifecycle, generalized from
// "websocket broadcaster" to "candle/gap/state writer".
package main

import (
	"context"
	"encoding/json"
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
	"flowtrace/internal/health"
	"flowtrace/internal/ipc"
	"flowtrace/internal/metrics"
	"flowtrace/internal/model"
	"flowtrace/internal/queue"
	"flowtrace/internal/store"
)

func main() {
	fmt.Println("FlowTrace persistence — IPC writer -> candle/state stores")

	app := &persistenceService{}

	if err := app.initialize(); err != nil {
		fmt.Printf("failed to initialize persistence: %v\n", err)
		os.Exit(1)
	}
	if err := app.start(); err != nil {
		fmt.Printf("failed to start persistence: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("persistence stopped gracefully")
}

type persistenceService struct {
	cfg *config.Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	metrics *metrics.Metrics
	candles *store.CandleStore
	state   *store.StateStore
	durable *queue.Queue
	poller  *queue.Poller
	server  *ipc.Server
}

func clockMs() int64 { return time.Now().UnixMilli() }

func (app *persistenceService) initialize() error {
	var err error
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.log, err = setupLogger()
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	app.log.Info("initializing persistence process")

	configPath := resolveConfigPath()
	app.cfg, err = config.NewConfigLoader().LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app.metrics = metrics.New(app.log)

	app.candles, err = store.OpenCandleStore(app.cfg.Storage.DBPath, app.log)
	if err != nil {
		return fmt.Errorf("open candle store: %w", err)
	}
	statePath := app.cfg.Storage.DBPath + ".state"
	app.state, err = store.OpenStateStore(statePath, app.log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	app.durable, err = queue.Open(app.cfg.Queue.DBPath, app.log)
	if err != nil {
		return fmt.Errorf("open durable queue: %w", err)
	}
	app.poller = queue.NewPoller(
		app.durable,
		app.cfg.Queue.BatchSize,
		parseDurationOr(app.cfg.Queue.PollInterval, time.Second),
		app.cfg.Queue.RetentionHours,
		clockMs,
		app.handleQueuedMessage,
		app.log,
	)

	app.server = ipc.NewServer(app.cfg.IPC.SocketPath, app.handleEnvelope, app.log)

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
	candidate := filepath.Join(execDir, "configs", "persistence.yaml")
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

func (app *persistenceService) start() error {
	app.log.Info("starting persistence process")

	go func() {
		if err := app.server.Run(app.ctx); err != nil {
			app.log.Error("ipc server stopped with error", zap.Error(err))
		}
	}()
	go app.poller.Run(app.ctx)
	go app.durable.RunCleanupSweep(app.ctx, app.cfg.Queue.RetentionHours,
		cleanupInterval(app.cfg.Queue.CleanupSampleRate), clockMs)

	checkers := health.Checkers{
		Socket:  app.server,
		Poller:  pollerHealth{poller: app.poller, clockMs: clockMs},
		Storage: storageHealth{candles: app.candles},
	}
	if app.cfg.Monitoring.MetricsEnabled {
		port := strconv.Itoa(app.cfg.Monitoring.HealthPort)
		if err := app.metrics.Start(port, health.Handler(checkers, time.Now)); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	app.printStartupSummary()
	return nil
}

// cleanupInterval derives the background sweep's ticker period from the
// poll's configured sample rate: at a 1% sample rate and a 1s poll
// interval the teacher's cleanup runs roughly once every 100s.
func cleanupInterval(sampleRate float64) time.Duration {
	if sampleRate <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / sampleRate)
}

// pollerHealth adapts queue.Poller's LastPollMs to health.PollerChecker:
// unhealthy once the last completed poll is 30s or more old.
type pollerHealth struct {
	poller  *queue.Poller
	clockMs func() int64
}

func (p pollerHealth) PollerHealthy() bool {
	last := p.poller.LastPollMs()
	if last == 0 {
		return true // hasn't ticked yet; not itself a failure
	}
	return p.clockMs()-last < 30_000
}

// storageHealth adapts store.CandleStore's Ping to health.StorageChecker.
type storageHealth struct {
	candles *store.CandleStore
}

func (s storageHealth) StorageHealthy() bool {
	return s.candles.Ping() == nil
}

// handleEnvelope dispatches one fast-channel envelope by message type,
// returning a response envelope only for load actions (the state loads
// and gap_load) (spec.md §6).
func (app *persistenceService) handleEnvelope(env model.Envelope) (*model.Envelope, error) {
	switch env.Type {
	case model.MessageTypeCandle, model.MessageTypeCandleComplete:
		var c model.Candle
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal candle: %w", err)
		}
		if err := app.candles.Write(&c); err != nil {
			return nil, err
		}
		app.metrics.RecordCandleEmitted(c.Exchange, c.Symbol, string(c.Timeframe))
		return nil, nil

	case model.MessageTypeState:
		return app.handleStatePayload(env)

	case model.MessageTypeGap:
		return app.handleGapPayload(env)

	default:
		app.log.Warn("unknown envelope type on fast channel", zap.String("type", env.Type))
		return nil, nil
	}
}

// handleQueuedMessage replays one durable-queue row (the same envelope
// wire format the fast channel uses) through the same handler.
func (app *persistenceService) handleQueuedMessage(body []byte, msgType string) error {
	env, err := ipc.DecodeEnvelope(body)
	if err != nil {
		return fmt.Errorf("persistence: decode queued envelope: %w", err)
	}
	_, err = app.handleEnvelope(env)
	return err
}

func (app *persistenceService) handleStatePayload(env model.Envelope) (*model.Envelope, error) {
	var payload ipc.StatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal state payload: %w", err)
	}

	switch payload.Action {
	case model.StateActionSave:
		if payload.Snapshot == nil {
			return nil, fmt.Errorf("persistence: state.save missing snapshot")
		}
		return nil, app.state.SaveSnapshot(*payload.Snapshot)

	case model.StateActionSaveBatch:
		return nil, app.state.SaveSnapshotBatch(payload.Snapshots)

	case model.StateActionLoad:
		snap, err := app.state.LoadSnapshot(payload.Exchange, payload.Symbol)
		if err != nil {
			return nil, err
		}
		resp := ipc.StatePayload{Action: model.StateActionLoad, Snapshot: snap}
		out, err := ipc.NewEnvelope(model.MessageTypeState, resp, clockMs())
		return &out, err

	case model.StateActionLoadBatch:
		snaps, err := app.loadSnapshotsFor(payload.Exchange, payload.Symbols)
		if err != nil {
			return nil, err
		}
		resp := ipc.StatePayload{Action: model.StateActionLoadBatch, Snapshots: snaps}
		out, err := ipc.NewEnvelope(model.MessageTypeState, resp, clockMs())
		return &out, err

	case model.StateActionLoadAll:
		snaps, err := app.state.LoadAllSnapshots()
		if err != nil {
			return nil, err
		}
		resp := ipc.StatePayload{Action: model.StateActionLoadAll, Snapshots: snaps}
		out, err := ipc.NewEnvelope(model.MessageTypeState, resp, clockMs())
		return &out, err

	default:
		return nil, fmt.Errorf("persistence: unknown state action %q", payload.Action)
	}
}

// loadSnapshotsFor loads one snapshot per requested symbol, skipping
// symbols with no saved snapshot (a booting worker starts those fresh).
func (app *persistenceService) loadSnapshotsFor(exchange string, symbols []string) ([]model.CandleGroupSnapshot, error) {
	out := make([]model.CandleGroupSnapshot, 0, len(symbols))
	for _, symbol := range symbols {
		snap, err := app.state.LoadSnapshot(exchange, symbol)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			out = append(out, *snap)
		}
	}
	return out, nil
}

func (app *persistenceService) handleGapPayload(env model.Envelope) (*model.Envelope, error) {
	var payload ipc.GapPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal gap payload: %w", err)
	}

	switch payload.Action {
	case model.GapActionSave:
		if payload.Gap == nil {
			return nil, fmt.Errorf("persistence: gap_save missing gap")
		}
		return nil, app.state.SaveGap(*payload.Gap)

	case model.GapActionSaveBatch:
		return nil, app.state.SaveGapBatch(payload.Gaps)

	case model.GapActionMarkSynced:
		if payload.Gap == nil {
			return nil, fmt.Errorf("persistence: gap_mark_synced missing gap")
		}
		return nil, app.state.MarkGapSynced(payload.Gap.Exchange, payload.Gap.Symbol, payload.Gap.FromTradeID, payload.Gap.ToTradeID)

	case model.GapActionLoad:
		gaps, err := app.state.LoadUnsyncedGaps(payload.Exchange, payload.Symbol)
		if err != nil {
			return nil, err
		}
		resp := ipc.GapPayload{Action: model.GapActionLoad, Exchange: payload.Exchange, Symbol: payload.Symbol, Gaps: gaps}
		out, err := ipc.NewEnvelope(model.MessageTypeGap, resp, clockMs())
		return &out, err

	default:
		return nil, fmt.Errorf("persistence: unknown gap action %q", payload.Action)
	}
}

func (app *persistenceService) printStartupSummary() {
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("FlowTrace persistence started")
	fmt.Printf("ipc socket: %s   storage: %s\n", app.cfg.IPC.SocketPath, app.cfg.Storage.DBPath)
	fmt.Println(strings.Repeat("=", 72))
}

func (app *persistenceService) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.log.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *persistenceService) shutdown() error {
	app.log.Info("shutting down persistence process")
	app.cancel()

	if err := app.server.Close(); err != nil {
		app.log.Error("error closing ipc server", zap.Error(err))
	}
	if err := app.metrics.Stop(); err != nil {
		app.log.Error("error stopping metrics server", zap.Error(err))
	}
	if err := app.durable.Close(); err != nil {
		app.log.Error("error closing durable queue", zap.Error(err))
	}
	if err := app.state.Close(); err != nil {
		app.log.Error("error closing state store", zap.Error(err))
	}
	if err := app.candles.Close(); err != nil {
		app.log.Error("error closing candle store", zap.Error(err))
	}

	app.log.Info("persistence shutdown complete")
	return nil
}

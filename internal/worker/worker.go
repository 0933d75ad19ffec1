package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/model"
	"flowtrace/internal/tradeengine"
)

// SnapshotLoader fetches previously saved CandleGroup snapshots, per
// spec.md §4.8 step 2 (the worker's IPC call to state.load_batch).
// Implemented in production by an IPC client talking to the persistence
// process; declared narrow here so this package doesn't depend on it.
type SnapshotLoader interface {
	LoadSnapshots(exchange string, symbols []string) (map[string]model.CandleGroupSnapshot, error)
}

// SnapshotSaver persists CandleGroup snapshots, per spec.md §4.8's
// periodic dirty-flush and §4.9's synchronous handoff flush.
type SnapshotSaver interface {
	SaveSnapshots(snaps []model.CandleGroupSnapshot) error
}

// CandleSink receives candles as they close, for publication through C10.
type CandleSink interface {
	PublishCandle(c *model.Candle) error
}

// GapSink receives gap records as they're detected, for async re-fetch.
type GapSink interface {
	PublishGap(g model.GapRecord) error
}

// MetricsSink reports per-trade processing outcomes and worker restarts
// to Prometheus. Declared narrow here, implemented by *metrics.Metrics,
// so this package doesn't depend on the metrics package directly.
type MetricsSink interface {
	RecordTradeProcessed(exchange, symbol string)
	RecordTradeDropped(exchange, symbol, reason string)
	RecordProcessingLatency(service, operation string, d time.Duration)
	RecordWorkerRestart(workerID string)
}

// Config bundles one Worker's fixed parameters.
type Config struct {
	ID               string
	SnapshotInterval time.Duration // default 30s per spec.md §4.8
	InboxSize        int
	ClockMs          func() int64
}

// Worker owns a disjoint set of symbols' CandleGroups and processes
// messages from its parent one at a time off a FIFO inbox (spec.md §4.8:
// "a single cooperative executor... messages are pulled from a FIFO and
// processed to completion before the next one starts"). This removes all
// intra-worker locking on CandleGroup state.
type Worker struct {
	cfg Config
	log *zap.Logger

	snapshots SnapshotLoader
	saver     SnapshotSaver
	candles   CandleSink
	gaps      GapSink
	metrics   MetricsSink

	inbox  chan Message
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	engines map[string]*tradeengine.Engine
	started time.Time
	initted bool
}

// New constructs a Worker. metrics may be nil (monitoring.metrics_enabled
// off), in which case per-trade outcomes simply aren't recorded. Call Run
// in its own goroutine to start the message loop, and send WORKER_INIT
// before any SYMBOL_ASSIGNMENT. WORKER_INIT loads nothing itself; each
// SYMBOL_ASSIGNMENT restores that symbol's snapshot (or starts it fresh).
func New(cfg Config, snapshots SnapshotLoader, saver SnapshotSaver, candles CandleSink, gaps GapSink, metrics MetricsSink, log *zap.Logger) *Worker {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.ClockMs == nil {
		cfg.ClockMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Worker{
		cfg:       cfg,
		log:       log.Named("worker").With(zap.String("worker_id", cfg.ID)),
		snapshots: snapshots,
		saver:     saver,
		candles:   candles,
		gaps:      gaps,
		metrics:   metrics,
		inbox:     make(chan Message, cfg.InboxSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		engines:   make(map[string]*tradeengine.Engine),
	}
}

// Send enqueues a message. Blocks if the inbox is full, exerting
// backpressure on the router rather than dropping silently.
func (w *Worker) Send(msg Message) {
	select {
	case w.inbox <- msg:
	case <-w.stopCh:
	}
}

// Run is the worker's message loop. Blocks until ctx is cancelled or
// Stop is called; always flushes dirty groups once before returning.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	w.started = time.Now()

	ticker := time.NewTicker(w.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushDirty()
			return
		case <-w.stopCh:
			w.flushDirty()
			return
		case <-ticker.C:
			w.flushDirty()
		case msg := <-w.inbox:
			w.handle(msg)
		}
	}
}

// Stop signals Run to flush and exit, and waits for it to finish.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// handle dispatches one message, recovering from any panic inside a
// handler so one malformed message can't take the whole worker down
// (grounded on supervisor.go's executeWorker panic recovery, moved to
// per-message granularity since this worker runs for the process lifetime
// rather than being restarted per message).
func (w *Worker) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("recovered from panic handling message", zap.Any("panic", r), zap.String("type", string(msg.Type)))
		}
		if msg.Done != nil {
			close(msg.Done)
		}
	}()

	switch msg.Type {
	case MsgProcessTrades:
		w.handleProcessTrades(msg.ProcessTrades)
	case MsgSymbolAssignment:
		w.handleSymbolAssignment(msg.SymbolAssignment)
	case MsgWorkerInit:
		// Idempotent: engines map already reflects whatever was loaded;
		// nothing further to do on a repeat WORKER_INIT.
		w.initted = true
	case MsgHeartbeat, MsgWorkerStatus, MsgSyncMetrics:
		w.handleStatusQuery(msg.Reply)
	}
}

func (w *Worker) handleProcessTrades(p *ProcessTradesPayload) {
	if p == nil {
		return
	}
	w.mu.Lock()
	eng, ok := w.engines[p.Symbol]
	w.mu.Unlock()
	if !ok {
		w.log.Warn("process_trades for unassigned symbol, dropping batch", zap.String("symbol", p.Symbol))
		return
	}

	exchange := eng.Group().Exchange

	for i := range p.Trades {
		start := time.Now()
		result := eng.ProcessTrade(&p.Trades[i], w.cfg.ClockMs())
		if w.metrics != nil {
			w.metrics.RecordProcessingLatency("worker", "process_trade", time.Since(start))
			if result.DropReason != tradeengine.DropNone {
				w.metrics.RecordTradeDropped(exchange, p.Symbol, string(result.DropReason))
			} else {
				w.metrics.RecordTradeProcessed(exchange, p.Symbol)
			}
		}
		if result.Gap != nil && w.gaps != nil {
			if err := w.gaps.PublishGap(*result.Gap); err != nil {
				w.log.Error("publish gap failed", zap.Error(err))
			}
		}
		for _, c := range result.Closed {
			if w.candles == nil {
				continue
			}
			if err := w.candles.PublishCandle(c); err != nil {
				w.log.Error("publish candle failed", zap.String("symbol", p.Symbol), zap.Error(err))
			}
		}
	}
}

// handleSymbolAssignment adds or removes one symbol, per spec.md §4.8 and
// the §4.9 snapshot-handoff rule: the old owner flushes synchronously
// before giving the symbol up; the new owner restores from snapshot (or
// starts fresh) on assignment.
func (w *Worker) handleSymbolAssignment(p *SymbolAssignmentPayload) {
	if p == nil {
		return
	}
	key := model.Key(p.Exchange, p.Symbol)

	if p.Remove {
		w.mu.Lock()
		eng, ok := w.engines[p.Symbol]
		if ok {
			delete(w.engines, p.Symbol)
		}
		w.mu.Unlock()
		if !ok {
			return
		}
		if w.saver != nil {
			snap := model.SnapshotOf(eng.Group(), w.cfg.ClockMs())
			if err := w.saver.SaveSnapshots([]model.CandleGroupSnapshot{snap}); err != nil {
				w.log.Error("synchronous handoff flush failed", zap.String("symbol", p.Symbol), zap.Error(err))
			}
		}
		return
	}

	var group *model.CandleGroup
	if w.snapshots != nil {
		restored, err := w.snapshots.LoadSnapshots(p.Exchange, []string{p.Symbol})
		if err != nil {
			w.log.Warn("snapshot load failed on assignment, starting fresh", zap.String("symbol", p.Symbol), zap.Error(err))
		} else if snap, ok := restored[p.Symbol]; ok {
			group = snap.Restore()
		}
	}
	if group == nil {
		group = model.NewCandleGroup(p.Exchange, p.Symbol, p.TickValue, p.BinMultiplier)
	}

	w.mu.Lock()
	w.engines[p.Symbol] = tradeengine.New(group)
	w.mu.Unlock()
	w.log.Info("symbol assigned", zap.String("symbol", p.Symbol), zap.String("key", key))
}

func (w *Worker) handleStatusQuery(reply chan StatusReply) {
	if reply == nil {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.mu.Lock()
	symbolCount := len(w.engines)
	w.mu.Unlock()

	reply <- StatusReply{
		WorkerID:       w.cfg.ID,
		UptimeMs:       time.Since(w.started).Milliseconds(),
		SymbolCount:    symbolCount,
		HeapAllocBytes: mem.HeapAlloc,
		NumGoroutine:   runtime.NumGoroutine(),
	}
}

// flushDirty snapshots every dirty CandleGroup and clears their dirty
// flag, per spec.md §4.8: "a periodic timer (default 30s) flushes all
// dirty CandleGroups as snapshots through C10."
func (w *Worker) flushDirty() {
	if w.saver == nil {
		return
	}
	now := w.cfg.ClockMs()

	w.mu.Lock()
	var dirty []*model.CandleGroup
	for _, eng := range w.engines {
		g := eng.Group()
		if g.Dirty {
			dirty = append(dirty, g)
		}
	}
	w.mu.Unlock()

	if len(dirty) == 0 {
		return
	}

	snaps := make([]model.CandleGroupSnapshot, 0, len(dirty))
	for _, g := range dirty {
		snaps = append(snaps, model.SnapshotOf(g, now))
	}
	if err := w.saver.SaveSnapshots(snaps); err != nil {
		w.log.Error("dirty snapshot flush failed", zap.Int("count", len(snaps)), zap.Error(err))
		return
	}
	for _, g := range dirty {
		g.ClearDirty()
	}
}

// SymbolCount returns the number of symbols currently assigned to this
// worker, for router bookkeeping and tests.
func (w *Worker) SymbolCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.engines)
}

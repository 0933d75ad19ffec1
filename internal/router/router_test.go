package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/model"
	"flowtrace/internal/worker"
)

type fakeSnapshotStore struct {
	mu    sync.Mutex
	byKey map[string]model.CandleGroupSnapshot
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{byKey: make(map[string]model.CandleGroupSnapshot)}
}

func (f *fakeSnapshotStore) LoadSnapshots(exchange string, symbols []string) (map[string]model.CandleGroupSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.CandleGroupSnapshot)
	for _, s := range symbols {
		if snap, ok := f.byKey[model.Key(exchange, s)]; ok {
			out[s] = snap
		}
	}
	return out, nil
}

func (f *fakeSnapshotStore) SaveSnapshots(snaps []model.CandleGroupSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range snaps {
		f.byKey[model.Key(s.Exchange, s.Symbol)] = s
	}
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	candles []*model.Candle
	gaps    []model.GapRecord
}

func (f *fakeSink) PublishCandle(c *model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles = append(f.candles, c)
	return nil
}

func (f *fakeSink) PublishGap(g model.GapRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gaps = append(f.gaps, g)
	return nil
}

func newRunningWorker(t *testing.T, id string, store *fakeSnapshotStore, sink *fakeSink) *worker.Worker {
	t.Helper()
	w := worker.New(worker.Config{ID: id, SnapshotInterval: time.Hour, ClockMs: func() int64 { return 1000 }},
		store, store, sink, sink, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() { cancel(); w.Stop() })
	return w
}

func TestAssignSymbolToWorkerRejectsInvalidSymbol(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.AssignSymbolToWorker("binance", "btc-usdt", 0.1, 5); err == nil {
		t.Fatal("expected error for lowercase/hyphenated symbol")
	}
	if err := r.AssignSymbolToWorker("binance", "", 0.1, 5); err == nil {
		t.Fatal("expected error for empty symbol")
	}
}

func TestAssignSymbolToWorkerErrorsOnEmptyRing(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.AssignSymbolToWorker("binance", "BTCUSDT", 0.1, 5); err == nil {
		t.Fatal("expected error when no worker is registered")
	}
}

func TestAssignAndRouteDeliversToOwner(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := newRunningWorker(t, "w1", store, sink)

	r := New(zap.NewNop())
	r.AddWorker("w1", w)

	if err := r.AssignSymbolToWorker("binance", "BTCUSDT", 0.1, 5); err != nil {
		t.Fatalf("AssignSymbolToWorker: %v", err)
	}

	trades := []model.Trade{{Exchange: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1}}
	r.Route("binance", "BTCUSDT", trades)

	reply := make(chan worker.StatusReply, 1)
	w.Send(worker.Message{Type: worker.MsgWorkerStatus, Reply: reply})
	status := <-reply
	if status.SymbolCount != 1 {
		t.Fatalf("expected symbol assigned to w1, got count %d", status.SymbolCount)
	}
}

func TestRouteDropsWhenRingEmpty(t *testing.T) {
	r := New(zap.NewNop())
	// Should not panic or block; batch is simply dropped.
	r.Route("binance", "BTCUSDT", []model.Trade{{Symbol: "BTCUSDT"}})
}

func TestRebalanceMigratesSymbolOwnership(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w1 := newRunningWorker(t, "w1", store, sink)
	w2 := newRunningWorker(t, "w2", store, sink)

	r := New(zap.NewNop())
	r.AddWorker("w1", w1)
	if err := r.AssignSymbolToWorker("binance", "BTCUSDT", 0.1, 5); err != nil {
		t.Fatalf("AssignSymbolToWorker: %v", err)
	}

	// Push a trade so the CandleGroup is dirty and worth migrating.
	trades := []model.Trade{{Exchange: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1}}
	r.Route("binance", "BTCUSDT", trades)

	r.AddWorker("w2", w2)
	r.Rebalance()

	// After rebalance, whichever worker now owns BTCUSDT should report it;
	// exactly one of w1/w2 should have it, and the other should not.
	reply1 := make(chan worker.StatusReply, 1)
	w1.Send(worker.Message{Type: worker.MsgWorkerStatus, Reply: reply1})
	s1 := <-reply1

	reply2 := make(chan worker.StatusReply, 1)
	w2.Send(worker.Message{Type: worker.MsgWorkerStatus, Reply: reply2})
	s2 := <-reply2

	total := s1.SymbolCount + s2.SymbolCount
	if total != 1 {
		t.Fatalf("expected exactly one worker to own BTCUSDT after rebalance, got w1=%d w2=%d", s1.SymbolCount, s2.SymbolCount)
	}
}

func TestTrackedSymbolsReflectsAssignments(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := newRunningWorker(t, "w1", store, sink)

	r := New(zap.NewNop())
	r.AddWorker("w1", w)
	if err := r.AssignSymbolToWorker("binance", "BTCUSDT", 0.1, 5); err != nil {
		t.Fatalf("AssignSymbolToWorker: %v", err)
	}
	if err := r.AssignSymbolToWorker("binance", "ETHUSDT", 0.1, 5); err != nil {
		t.Fatalf("AssignSymbolToWorker: %v", err)
	}

	symbols := r.TrackedSymbols()
	if len(symbols) != 2 {
		t.Fatalf("expected 2 tracked symbols, got %d", len(symbols))
	}
}

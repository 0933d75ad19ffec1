package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/model"
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

func newTestWorker(store *fakeSnapshotStore, sink *fakeSink) *Worker {
	return New(Config{ID: "w1", SnapshotInterval: time.Hour, ClockMs: func() int64 { return 1000 }},
		store, store, sink, sink, nil, zap.NewNop())
}

func assignSymbol(w *Worker, symbol string) {
	reply := make(chan struct{})
	go func() {
		w.Send(Message{Type: MsgSymbolAssignment, SymbolAssignment: &SymbolAssignmentPayload{
			Symbol: symbol, Exchange: "binance", TickValue: 0.1, BinMultiplier: 5,
		}})
		close(reply)
	}()
	<-reply
}

func TestWorkerProcessesTradesForAssignedSymbol(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := newTestWorker(store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); w.Stop() }()

	w.Send(Message{Type: MsgSymbolAssignment, SymbolAssignment: &SymbolAssignmentPayload{
		Symbol: "BTCUSDT", Exchange: "binance", TickValue: 0.1, BinMultiplier: 5,
	}})

	trades := []model.Trade{
		{Exchange: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1, TimestampMs: 0},
		{Exchange: "binance", Symbol: "BTCUSDT", TradeID: 2, Price: 101, Quantity: 1, TimestampMs: 1500},
	}
	w.Send(Message{Type: MsgProcessTrades, ProcessTrades: &ProcessTradesPayload{Symbol: "BTCUSDT", Trades: trades}})

	// Drain via a status query, which only completes after prior messages
	// in the FIFO have been handled.
	reply := make(chan StatusReply, 1)
	w.Send(Message{Type: MsgWorkerStatus, Reply: reply})
	status := <-reply

	if status.SymbolCount != 1 {
		t.Fatalf("expected 1 assigned symbol, got %d", status.SymbolCount)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.candles) != 1 {
		t.Fatalf("expected 1 closed candle (the first base candle), got %d", len(sink.candles))
	}
}

func TestWorkerDropsTradesForUnassignedSymbol(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := newTestWorker(store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); w.Stop() }()

	trades := []model.Trade{{Exchange: "binance", Symbol: "ETHUSDT", TradeID: 1, Price: 100, Quantity: 1}}
	w.Send(Message{Type: MsgProcessTrades, ProcessTrades: &ProcessTradesPayload{Symbol: "ETHUSDT", Trades: trades}})

	reply := make(chan StatusReply, 1)
	w.Send(Message{Type: MsgWorkerStatus, Reply: reply})
	status := <-reply
	if status.SymbolCount != 0 {
		t.Fatalf("expected no symbols assigned, got %d", status.SymbolCount)
	}
}

func TestSymbolRemovalFlushesSnapshotSynchronously(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := newTestWorker(store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); w.Stop() }()

	assignSymbol(w, "BTCUSDT")
	trades := []model.Trade{{Exchange: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1}}
	w.Send(Message{Type: MsgProcessTrades, ProcessTrades: &ProcessTradesPayload{Symbol: "BTCUSDT", Trades: trades}})

	removeReply := make(chan struct{})
	go func() {
		w.Send(Message{Type: MsgSymbolAssignment, SymbolAssignment: &SymbolAssignmentPayload{
			Symbol: "BTCUSDT", Exchange: "binance", Remove: true,
		}})
		close(removeReply)
	}()
	<-removeReply

	reply := make(chan StatusReply, 1)
	w.Send(Message{Type: MsgWorkerStatus, Reply: reply})
	status := <-reply
	if status.SymbolCount != 0 {
		t.Fatalf("expected symbol removed, got %d remaining", status.SymbolCount)
	}

	snap, err := store.LoadSnapshots("binance", []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if _, ok := snap["BTCUSDT"]; !ok {
		t.Fatal("expected snapshot flushed synchronously on removal")
	}
}

func TestPeriodicFlushOnlyFlushesDirtyGroups(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &fakeSink{}
	w := New(Config{ID: "w1", SnapshotInterval: 20 * time.Millisecond, ClockMs: func() int64 { return 2000 }},
		store, store, sink, sink, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); w.Stop() }()

	assignSymbol(w, "BTCUSDT")
	trades := []model.Trade{{Exchange: "binance", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1}}
	w.Send(Message{Type: MsgProcessTrades, ProcessTrades: &ProcessTradesPayload{Symbol: "BTCUSDT", Trades: trades}})

	time.Sleep(60 * time.Millisecond)

	snap, err := store.LoadSnapshots("binance", []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if _, ok := snap["BTCUSDT"]; !ok {
		t.Fatal("expected periodic flush to have saved the dirty group")
	}
}

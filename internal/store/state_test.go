package store

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"flowtrace/internal/model"
)

func openTestStateStore(t *testing.T) *StateStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStateStore(filepath.Join(dir, "state.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenStateStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadUnsyncedGaps(t *testing.T) {
	s := openTestStateStore(t)
	g1 := model.NewGapRecord("binance", "BTCUSDT", 10, 12, 1000)
	g2 := model.NewGapRecord("binance", "BTCUSDT", 20, 25, 2000)

	if err := s.SaveGap(g1); err != nil {
		t.Fatalf("SaveGap: %v", err)
	}
	if err := s.SaveGap(g2); err != nil {
		t.Fatalf("SaveGap: %v", err)
	}

	gaps, err := s.LoadUnsyncedGaps("binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadUnsyncedGaps: %v", err)
	}
	if len(gaps) != 2 {
		t.Fatalf("expected 2 unsynced gaps, got %d", len(gaps))
	}
}

func TestMarkGapSyncedExcludesFromUnsynced(t *testing.T) {
	s := openTestStateStore(t)
	g := model.NewGapRecord("binance", "BTCUSDT", 10, 12, 1000)
	if err := s.SaveGap(g); err != nil {
		t.Fatalf("SaveGap: %v", err)
	}

	if err := s.MarkGapSynced("binance", "BTCUSDT", 10, 12); err != nil {
		t.Fatalf("MarkGapSynced: %v", err)
	}

	unsynced, err := s.LoadUnsyncedGaps("binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadUnsyncedGaps: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("expected 0 unsynced gaps, got %d", len(unsynced))
	}

	all, err := s.LoadAllGaps("binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadAllGaps: %v", err)
	}
	if len(all) != 1 || !all[0].Synced {
		t.Fatalf("expected 1 synced gap in LoadAllGaps, got %+v", all)
	}
}

func TestGapSaveBatch(t *testing.T) {
	s := openTestStateStore(t)
	gaps := []model.GapRecord{
		model.NewGapRecord("binance", "BTCUSDT", 1, 3, 100),
		model.NewGapRecord("binance", "BTCUSDT", 10, 11, 200),
	}
	if err := s.SaveGapBatch(gaps); err != nil {
		t.Fatalf("SaveGapBatch: %v", err)
	}
	all, err := s.LoadAllGaps("binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadAllGaps: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 gaps, got %d", len(all))
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	s := openTestStateStore(t)
	g := model.NewCandleGroup("binance", "BTCUSDT", 0.1, 5)
	g.SetBase(model.NewCandle("binance", "BTCUSDT", model.TF1s, 0, 100.0))
	snap := model.SnapshotOf(g, 5000)

	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.LoadSnapshot("binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if got.SavedAtMs != 5000 || got.TickValue != 0.1 || got.BinMult != 5 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if _, ok := got.Candles[model.TF1s]; !ok {
		t.Fatal("expected base candle present in restored snapshot")
	}
}

func TestLoadSnapshotReturnsNilWhenAbsent(t *testing.T) {
	s := openTestStateStore(t)
	got, err := s.LoadSnapshot("binance", "NOPE")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestLoadAllSnapshotsReturnsEveryGroup(t *testing.T) {
	s := openTestStateStore(t)
	g1 := model.NewCandleGroup("binance", "BTCUSDT", 0.1, 5)
	g2 := model.NewCandleGroup("binance", "ETHUSDT", 0.01, 4)
	snaps := []model.CandleGroupSnapshot{
		model.SnapshotOf(g1, 1000),
		model.SnapshotOf(g2, 1000),
	}
	if err := s.SaveSnapshotBatch(snaps); err != nil {
		t.Fatalf("SaveSnapshotBatch: %v", err)
	}

	all, err := s.LoadAllSnapshots()
	if err != nil {
		t.Fatalf("LoadAllSnapshots: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(all))
	}
}

package store

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"flowtrace/internal/model"
)

func openTestCandleStore(t *testing.T) *CandleStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenCandleStore(filepath.Join(dir, "candles.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenCandleStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func validCandle(openTime int64, tf model.Timeframe) *model.Candle {
	c := model.NewCandle("binance", "BTCUSDT", tf, openTime, 100.0)
	c.High = 101.0
	c.Low = 99.0
	c.Close = 100.5
	c.TradeCount = 1
	return c
}

func TestWriteAndQueryCandle(t *testing.T) {
	s := openTestCandleStore(t)
	c := validCandle(60000, model.TF1m)

	if err := s.Write(c); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Query("binance", "BTCUSDT", model.TF1m, 0, 120000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(got))
	}
	if got[0].OpenTime != 60000 || got[0].Close != 100.5 {
		t.Fatalf("unexpected candle: %+v", got[0])
	}
}

func TestWriteDiscards1sCandles(t *testing.T) {
	s := openTestCandleStore(t)
	c := validCandle(1000, model.TF1s)

	if err := s.Write(c); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err := s.Count("binance", "BTCUSDT", model.TF1s)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 1s candles discarded, got %d stored", n)
	}
}

func TestWriteRejectsInvalidCandle(t *testing.T) {
	s := openTestCandleStore(t)
	c := validCandle(60000, model.TF1m)
	c.OpenTime = 60001 // breaks timeframe alignment

	if err := s.Write(c); err == nil {
		t.Fatal("expected Write to reject misaligned candle")
	}
}

func TestWriteIsIdempotentOnNaturalKey(t *testing.T) {
	s := openTestCandleStore(t)
	c := validCandle(60000, model.TF1m)

	if err := s.Write(c); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	c.Close = 105.0
	c.High = 106.0
	if err := s.Write(c); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	n, err := s.Count("binance", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected natural-key replace, got %d rows", n)
	}

	latest, err := s.Latest("binance", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Close != 105.0 {
		t.Fatalf("expected replaced candle, got close=%v", latest.Close)
	}
}

func TestWriteBatchSkipsInvalidRows(t *testing.T) {
	s := openTestCandleStore(t)
	good := validCandle(60000, model.TF1m)
	bad := validCandle(60000, model.TF1m)
	bad.OpenTime = 60001
	bad.Symbol = "ETHUSDT"

	if err := s.WriteBatch([]*model.Candle{good, bad}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	n, err := s.Count("binance", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the valid candle stored, got %d", n)
	}
	n2, err := s.Count("binance", "ETHUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected invalid candle dropped, got %d stored", n2)
	}
}

func TestLatestReturnsNilWhenEmpty(t *testing.T) {
	s := openTestCandleStore(t)
	got, err := s.Latest("binance", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

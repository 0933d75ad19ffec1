package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"flowtrace/internal/model"
)

func TestRefetchRecoversTradesInRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := []binanceHistoricalTrade{
			{ID: 10, Price: "100.0", Qty: "1.0", Time: 1000, IsBuyerMaker: false},
			{ID: 11, Price: "100.5", Qty: "2.0", Time: 1001, IsBuyerMaker: true},
			{ID: 12, Price: "101.0", Qty: "0.5", Time: 1002, IsBuyerMaker: false},
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	r := NewGapRefetcher(srv.URL, 100, 5, zap.NewNop())
	gap := model.NewGapRecord("binance", "BTCUSDT", 10, 12, 5000)

	trades, err := r.Refetch(context.Background(), "binance", "BTCUSDT", gap)
	if err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("expected 3 recovered trades, got %d", len(trades))
	}
	if trades[0].TradeID != 10 || trades[2].TradeID != 12 {
		t.Fatalf("unexpected trade IDs: %+v", trades)
	}
}

func TestRefetchStopsOnEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]binanceHistoricalTrade{})
	}))
	defer srv.Close()

	r := NewGapRefetcher(srv.URL, 100, 5, zap.NewNop())
	gap := model.NewGapRecord("binance", "BTCUSDT", 10, 12, 5000)

	trades, err := r.Refetch(context.Background(), "binance", "BTCUSDT", gap)
	if err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected 0 trades, got %d", len(trades))
	}
}

package tradeengine

import (
	"math"
	"testing"

	"flowtrace/internal/model"
)

func newTestEngine() *Engine {
	g := model.NewCandleGroup("binance", "BTCUSDT", 0.1, 50)
	return New(g)
}

func trade(id uint64, price, qty float64, tsMs int64, buyerIsMaker bool) *model.Trade {
	return &model.Trade{
		Exchange:     "binance",
		Symbol:       "BTCUSDT",
		TradeID:      id,
		Price:        price,
		Quantity:     qty,
		TimestampMs:  tsMs,
		BuyerIsMaker: buyerIsMaker,
	}
}

func TestFirstTradeOpensBaseCandle(t *testing.T) {
	e := newTestEngine()
	res := e.ProcessTrade(trade(1, 100.0, 1.5, 1000, false), 1000)
	if res.DropReason != DropNone {
		t.Fatalf("unexpected drop: %s", res.DropReason)
	}
	base := e.Group().Base()
	if base == nil {
		t.Fatal("expected base candle to be opened")
	}
	if base.Open != 100.0 || base.High != 100.0 || base.Low != 100.0 || base.Close != 100.0 {
		t.Fatalf("unexpected OHLC seed: %+v", base)
	}
	if base.BuyVolume != 1.5 {
		t.Fatalf("expected buy volume 1.5, got %v", base.BuyVolume)
	}
}

func TestDuplicateTradeDropped(t *testing.T) {
	e := newTestEngine()
	e.ProcessTrade(trade(5, 100.0, 1.0, 1000, false), 1000)
	res := e.ProcessTrade(trade(5, 100.0, 1.0, 1000, false), 1000)
	if res.DropReason != DropDuplicate {
		t.Fatalf("expected duplicate drop, got %s", res.DropReason)
	}
	res2 := e.ProcessTrade(trade(3, 100.0, 1.0, 1000, false), 1000)
	if res2.DropReason != DropDuplicate {
		t.Fatalf("expected duplicate drop for earlier trade id, got %s", res2.DropReason)
	}
}

func TestGapDetectedAndProcessingContinues(t *testing.T) {
	e := newTestEngine()
	e.ProcessTrade(trade(1, 100.0, 1.0, 1000, false), 1000)
	res := e.ProcessTrade(trade(5, 101.0, 1.0, 1200, false), 1200)
	if res.Gap == nil {
		t.Fatal("expected a gap record")
	}
	if res.Gap.FromTradeID != 2 || res.Gap.ToTradeID != 4 {
		t.Fatalf("unexpected gap range: %+v", res.Gap)
	}
	if e.Group().LastTradeID != 5 {
		t.Fatalf("processing should continue past the gap, last_trade_id=%d", e.Group().LastTradeID)
	}
}

func TestMetadataOnlyTradeAdvancesOnly(t *testing.T) {
	e := newTestEngine()
	res := e.ProcessTrade(trade(1, 0, 0, 1000, false), 1000)
	if res.DropReason != DropNone {
		t.Fatalf("unexpected drop: %s", res.DropReason)
	}
	if len(res.Closed) != 0 {
		t.Fatalf("expected no emission from metadata-only trade")
	}
	if e.Group().Base() != nil {
		t.Fatal("metadata-only trade must not open a base candle")
	}
	if e.Group().LastTradeID != 1 {
		t.Fatalf("expected last_trade_id advanced to 1, got %d", e.Group().LastTradeID)
	}
}

func TestMalformedTradeDropped(t *testing.T) {
	e := newTestEngine()
	bad := trade(1, math.NaN(), 1.0, 1000, false)
	res := e.ProcessTrade(bad, 1000)
	if res.DropReason != DropMalformed {
		t.Fatalf("expected malformed drop, got %s", res.DropReason)
	}
	if e.Group().LastTradeID != 0 {
		t.Fatal("malformed trade must not advance state")
	}
}

func TestSecondSecondClosesBaseCandleAndRollsUp(t *testing.T) {
	e := newTestEngine()
	e.ProcessTrade(trade(1, 100.0, 1.0, 1000, false), 1000)
	res := e.ProcessTrade(trade(2, 101.0, 1.0, 2000, false), 2000)

	if len(res.Closed) == 0 {
		t.Fatal("expected the 1s candle to close and be emitted")
	}
	closedBase := res.Closed[0]
	if closedBase.Timeframe != model.TF1s {
		t.Fatalf("expected first closed candle to be the 1s base, got %s", closedBase.Timeframe)
	}
	if !closedBase.Closed {
		t.Fatal("closed base candle must have Closed=true")
	}
	if closedBase.OpenTime != 1000 {
		t.Fatalf("expected closed base open_time 1000, got %d", closedBase.OpenTime)
	}

	newBase := e.Group().Base()
	if newBase.OpenTime != 2000 {
		t.Fatalf("expected new base open_time 2000, got %d", newBase.OpenTime)
	}
}

func TestRollupMergesWithinSameBucket(t *testing.T) {
	e := newTestEngine()
	// Three base candles within the same 1m bucket (open_time 0).
	e.ProcessTrade(trade(1, 100.0, 1.0, 0, false), 0)
	e.ProcessTrade(trade(2, 101.0, 2.0, 1000, false), 1000)
	res := e.ProcessTrade(trade(3, 99.0, 1.0, 2000, true), 2000)

	var oneMin *model.Candle
	for _, c := range res.Closed {
		if c.Timeframe == model.TF1m {
			oneMin = c
		}
	}
	// The 1m bucket should not have closed yet (still within bucket [0,60000)).
	if oneMin != nil {
		t.Fatalf("1m bucket closed prematurely: %+v", oneMin)
	}

	g := e.Group()
	live := g.Rollup(model.TF1m)
	if live == nil {
		t.Fatal("expected a live 1m candle after the first base close")
	}
	if live.High != 101.0 {
		t.Fatalf("expected rollup high 101.0, got %v", live.High)
	}
	if live.Low != 100.0 {
		t.Fatalf("expected rollup low 100.0 (not yet merged 99.0 from still-open base), got %v", live.Low)
	}
}

func TestRollupClosesOnBucketBoundaryCrossing(t *testing.T) {
	e := newTestEngine()
	e.ProcessTrade(trade(1, 100.0, 1.0, 0, false), 0)
	// Next trade lands a full minute later: the 1s candle at t=0 closes,
	// rolls into the 1m[0,60000) bucket, and since ref_t=60000 is itself
	// in the next 1m bucket, that bucket closes immediately too.
	res := e.ProcessTrade(trade(2, 105.0, 1.0, 60000, false), 60000)

	var sawClosed1m bool
	for _, c := range res.Closed {
		if c.Timeframe == model.TF1m && c.Closed {
			sawClosed1m = true
			if c.OpenTime != 0 {
				t.Fatalf("expected closed 1m candle open_time 0, got %d", c.OpenTime)
			}
		}
	}
	if !sawClosed1m {
		t.Fatal("expected the 1m[0,60000) bucket to close on boundary crossing")
	}
}

func TestFootprintBinsConserveVolume(t *testing.T) {
	e := newTestEngine()
	e.ProcessTrade(trade(1, 100.0, 1.0, 1000, false), 1000)
	e.ProcessTrade(trade(2, 100.0, 2.0, 1000, true), 1000)
	e.ProcessTrade(trade(3, 103.7, 0.5, 1000, false), 1000)

	base := e.Group().Base()
	gotBuy := model.SumBuyVolume(base.Bins)
	gotSell := model.SumSellVolume(base.Bins)
	if gotBuy != base.BuyVolume {
		t.Fatalf("bin buy volume %v != candle buy volume %v", gotBuy, base.BuyVolume)
	}
	if gotSell != base.SellVolume {
		t.Fatalf("bin sell volume %v != candle sell volume %v", gotSell, base.SellVolume)
	}
}

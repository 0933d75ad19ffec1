// Package tradeengine implements the per-symbol trade state machine (C6)
// and the incremental rollup engine (C7) of spec.md §4.3/§4.4. Both run
// single-threaded inside the worker that owns a symbol's CandleGroup —
// nothing here takes a lock, by design (spec.md §5).
package tradeengine

import (
	"math"

	"flowtrace/internal/model"
)

// DropReason names why ProcessTrade discarded a trade without mutating
// state, per spec.md §4.3/§7.
type DropReason string

const (
	DropNone      DropReason = ""
	DropDuplicate DropReason = "duplicate"
	DropMalformed DropReason = "malformed"
)

// Result reports what one ProcessTrade call produced: at most one gap
// record, zero or more candles that just closed and are ready for
// emission (the completed base candle and any rollup timeframes whose
// bucket boundary the reference trade crossed), and a drop reason if the
// trade didn't reach the state machine at all.
type Result struct {
	Gap        *model.GapRecord
	Closed     []*model.Candle
	DropReason DropReason
}

// Engine runs the trade state machine for exactly one symbol's
// CandleGroup. Callers (the worker) must serialize calls to ProcessTrade
// for a given Engine — it is not safe for concurrent use.
type Engine struct {
	group *model.CandleGroup
}

// New wraps an existing CandleGroup (freshly created or restored from a
// snapshot) in a trade-processing Engine.
func New(group *model.CandleGroup) *Engine {
	return &Engine{group: group}
}

// Group returns the underlying CandleGroup, e.g. for snapshotting.
func (e *Engine) Group() *model.CandleGroup {
	return e.group
}

// ProcessTrade runs spec.md §4.3 steps 1-5 for one trade. nowMs is used
// only to stamp any GapRecord's detected_at; it is never used to decide
// candle boundaries (those come from the trade's own timestamp).
func (e *Engine) ProcessTrade(t *model.Trade, nowMs int64) Result {
	if !t.Valid() || isNaNOrInfFloat(t.Price) || isNaNOrInfFloat(t.Quantity) {
		return Result{DropReason: DropMalformed}
	}

	g := e.group

	// Step 1: dedup / order guard.
	var gap *model.GapRecord
	if g.LastTradeID != 0 || hasSeenAnyTrade(g) {
		if t.TradeID <= g.LastTradeID {
			return Result{DropReason: DropDuplicate}
		}
		if t.TradeID > g.LastTradeID+1 {
			rec := model.NewGapRecord(t.Exchange, t.Symbol, g.LastTradeID+1, t.TradeID-1, nowMs)
			gap = &rec
		}
	}

	// Step 2: skip filter — metadata-only trades only advance last_trade_id.
	if t.IsMetadataOnly() {
		g.LastTradeID = t.TradeID
		g.LastSeenMs = t.TimestampMs
		g.MarkDirty()
		return Result{Gap: gap}
	}

	// Step 3: base-candle update.
	var closed []*model.Candle
	base := g.Base()
	openTime := model.TF1s.AlignOpenTime(t.TimestampMs)
	var completedBase *model.Candle
	if base == nil {
		base = model.NewCandle(t.Exchange, t.Symbol, model.TF1s, openTime, t.Price)
		g.SetBase(base)
	} else if base.OpenTime != openTime {
		base.MarkClosed()
		completedBase = base
		closed = append(closed, completedBase)
		base = model.NewCandle(t.Exchange, t.Symbol, model.TF1s, openTime, t.Price)
		g.SetBase(base)
	}
	base.ApplyTrade(t, g.TickValue, g.BinMultiplier)

	// Step 4: rollup, only when step 3 produced a completed base candle.
	if completedBase != nil {
		rolled := RollupAll(g, completedBase, t.TimestampMs)
		closed = append(closed, rolled...)
	}

	// Step 5: commit.
	g.LastTradeID = t.TradeID
	g.LastSeenMs = t.TimestampMs
	g.MarkDirty()

	return Result{Gap: gap, Closed: closed}
}

// hasSeenAnyTrade reports whether this group has processed a trade
// before. LastTradeID alone can't distinguish "never seen a trade" from
// "saw trade id 0", so the group's base candle presence is the real
// signal once LastTradeID is 0.
func hasSeenAnyTrade(g *model.CandleGroup) bool {
	return g.Base() != nil
}

func isNaNOrInfFloat(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

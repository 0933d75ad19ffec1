package model

import "encoding/json"

// CandleGroupSnapshot is the opaque serialised image of one CandleGroup,
// keyed by (exchange, symbol), written periodically by the owning worker
// and read back on worker startup (spec.md §3, §4.8).
type CandleGroupSnapshot struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	SavedAtMs   int64           `json:"saved_at"`
	LastTradeID uint64          `json:"last_trade_id"`
	LastSeenMs  int64           `json:"last_seen_ms"`
	TickValue   float64         `json:"tick_value"`
	BinMult     int             `json:"bin_multiplier"`
	Candles     map[Timeframe]*Candle `json:"candles"`
}

// SnapshotOf serialises a CandleGroup's current state into a snapshot
// record. savedAtMs is passed in rather than read from a clock here, so
// callers stay testable with an injected time source.
func SnapshotOf(g *CandleGroup, savedAtMs int64) CandleGroupSnapshot {
	candles := make(map[Timeframe]*Candle, len(g.Candles))
	for tf, c := range g.Candles {
		candles[tf] = c.Clone()
	}
	return CandleGroupSnapshot{
		Exchange:    g.Exchange,
		Symbol:      g.Symbol,
		SavedAtMs:   savedAtMs,
		LastTradeID: g.LastTradeID,
		LastSeenMs:  g.LastSeenMs,
		TickValue:   g.TickValue,
		BinMult:     g.BinMultiplier,
		Candles:     candles,
	}
}

// Restore rebuilds a CandleGroup from a snapshot. Restored groups start
// clean (not dirty) per spec.md §4.8 step 3: "restores each CandleGroup
// (these are not marked dirty)".
func (s CandleGroupSnapshot) Restore() *CandleGroup {
	g := NewCandleGroup(s.Exchange, s.Symbol, s.TickValue, s.BinMult)
	g.LastTradeID = s.LastTradeID
	g.LastSeenMs = s.LastSeenMs
	for tf, c := range s.Candles {
		g.Candles[tf] = c
	}
	g.Dirty = false
	return g
}

// Marshal serialises the snapshot to JSON for storage in the snapshot
// table (C14).
func (s CandleGroupSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot parses a snapshot previously produced by Marshal.
func UnmarshalSnapshot(data []byte) (CandleGroupSnapshot, error) {
	var s CandleGroupSnapshot
	err := json.Unmarshal(data, &s)
	return s, err
}

// WorkerAssignment records which worker currently owns a symbol, per
// spec.md §3. The router is the sole writer; workers and tests only read.
type WorkerAssignment struct {
	Symbol   string `json:"symbol"`
	WorkerID string `json:"worker_id"`
}

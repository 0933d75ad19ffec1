package model

// CandleGroup holds every live timeframe candle for one symbol. It is
// exclusively owned by the one worker that was assigned the symbol for
// as long as that assignment lasts (spec.md §3 ownership rules) — nothing
// here is safe for concurrent access from more than one goroutine.
type CandleGroup struct {
	Exchange string
	Symbol   string

	Candles map[Timeframe]*Candle

	LastTradeID uint64
	LastSeenMs  int64

	TickValue     float64
	BinMultiplier int

	Dirty bool
}

// NewCandleGroup creates an empty group for a symbol with the discretisation
// parameters it was assigned (spec.md §4.8 SYMBOL_ASSIGNMENT).
func NewCandleGroup(exchange, symbol string, tickValue float64, binMultiplier int) *CandleGroup {
	return &CandleGroup{
		Exchange:      exchange,
		Symbol:        symbol,
		Candles:       make(map[Timeframe]*Candle, len(AllTimeframes)),
		TickValue:     tickValue,
		BinMultiplier: binMultiplier,
	}
}

// Base returns the group's live 1s candle, or nil if none has been opened
// yet (the very first trade for this symbol).
func (g *CandleGroup) Base() *Candle {
	return g.Candles[TF1s]
}

// SetBase installs c as the group's live 1s candle.
func (g *CandleGroup) SetBase(c *Candle) {
	g.Candles[TF1s] = c
}

// Rollup returns the group's live candle for a rollup timeframe, or nil if
// it hasn't been opened yet (the symbol's first base-candle close for
// that timeframe).
func (g *CandleGroup) Rollup(tf Timeframe) *Candle {
	return g.Candles[tf]
}

// SetRollup installs c as the group's live candle for timeframe tf.
func (g *CandleGroup) SetRollup(tf Timeframe, c *Candle) {
	g.Candles[tf] = c
}

// MarkDirty flags the group for the next periodic snapshot flush
// (spec.md §4.8: "A periodic timer... flushes all dirty CandleGroups").
func (g *CandleGroup) MarkDirty() {
	g.Dirty = true
}

// ClearDirty resets the dirty flag after a successful snapshot flush.
func (g *CandleGroup) ClearDirty() {
	g.Dirty = false
}

// Key returns the "exchange:symbol" identity this group is filed under.
func (g *CandleGroup) Key() string {
	return Key(g.Exchange, g.Symbol)
}

package model

// Candle is one time-bucketed OHLCV+footprint record for a symbol at a
// given timeframe. spec.md §3 invariants: open_time is aligned to the
// timeframe boundary; close_time = open_time + duration - 1; l <= o,c <= h;
// sum of bin volumes equals the candle's total volume within tolerance;
// closed transitions false -> true exactly once, and a closed candle is
// never mutated again.
type Candle struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  int64     `json:"open_time"`
	CloseTime int64     `json:"close_time"`

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	TotalVolume      float64 `json:"total_volume"`
	BuyVolume        float64 `json:"buy_volume"`
	SellVolume       float64 `json:"sell_volume"`
	TotalQuoteVolume float64 `json:"total_quote_volume"`
	BuyQuoteVolume   float64 `json:"buy_quote_volume"`
	SellQuoteVolume  float64 `json:"sell_quote_volume"`

	TradeCount int64 `json:"trade_count"`

	Delta    float64 `json:"delta"`
	DeltaMax float64 `json:"delta_max"`
	DeltaMin float64 `json:"delta_min"`

	FirstTradeID uint64 `json:"first_trade_id"`
	LastTradeID  uint64 `json:"last_trade_id"`

	Closed bool `json:"closed"`

	Bins []FootprintBin `json:"bins"`
}

// NewCandle opens a fresh candle for timeframe tf, aligned to the bucket
// containing openTimeMs, seeded from the first trade's price (o=h=l=c=price,
// zero volumes) per spec.md §4.3 step 3.
func NewCandle(exchange, symbol string, tf Timeframe, openTimeMs int64, seedPrice float64) *Candle {
	open := tf.AlignOpenTime(openTimeMs)
	return &Candle{
		Exchange:  exchange,
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  open,
		CloseTime: tf.CloseTime(open),
		Open:      seedPrice,
		High:      seedPrice,
		Low:       seedPrice,
		Close:     seedPrice,
	}
}

// ApplyTrade merges one trade into the candle: updates h/l/c, volumes,
// trade count, trade-id bounds, the matching footprint bin, and recomputes
// delta/delta_max/delta_min. Per spec.md §4.3 step 3. Panics if the
// candle is already closed — callers must never mutate a closed candle.
func (c *Candle) ApplyTrade(t *Trade, tickValue float64, binMultiplier int) {
	if c.Closed {
		panic("model: ApplyTrade on a closed candle")
	}
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.TradeCount++

	if c.FirstTradeID == 0 || t.TradeID < c.FirstTradeID {
		c.FirstTradeID = t.TradeID
	}
	if t.TradeID > c.LastTradeID {
		c.LastTradeID = t.TradeID
	}

	value := t.Value()
	if t.IsAggressorBuy() {
		c.BuyVolume = round8(c.BuyVolume + t.Quantity)
		c.BuyQuoteVolume = round5(c.BuyQuoteVolume + value)
	} else {
		c.SellVolume = round8(c.SellVolume + t.Quantity)
		c.SellQuoteVolume = round5(c.SellQuoteVolume + value)
	}
	c.TotalVolume = round8(c.BuyVolume + c.SellVolume)
	c.TotalQuoteVolume = round5(c.BuyQuoteVolume + c.SellQuoteVolume)

	binPrice := BinPrice(t.Price, tickValue, binMultiplier)
	var bin *FootprintBin
	c.Bins, bin = InsertBin(c.Bins, binPrice)
	bin.ApplyTrade(t)

	c.recomputeDelta()
}

// recomputeDelta sets Delta from the current buy/sell volumes (never
// accumulated, to avoid drift — spec.md §4.4) and tracks running extrema.
func (c *Candle) recomputeDelta() {
	c.Delta = c.BuyVolume - c.SellVolume
	if c.TradeCount == 1 {
		c.DeltaMax = c.Delta
		c.DeltaMin = c.Delta
		return
	}
	if c.Delta > c.DeltaMax {
		c.DeltaMax = c.Delta
	}
	if c.Delta < c.DeltaMin {
		c.DeltaMin = c.Delta
	}
}

// MarkClosed marks the candle closed. Per spec.md §3 this transition
// happens exactly once; calling it twice panics, guarding against a
// caller bug.
func (c *Candle) MarkClosed() {
	if c.Closed {
		panic("model: Candle closed twice")
	}
	c.Closed = true
}

// Clone returns a deep copy with Closed reset to false, used when seeding a higher timeframe's bucket
// from a completed base candle (spec.md §4.4: "copied" on bucket replace).
func (c *Candle) Clone() *Candle {
	cp := *c
	cp.Bins = make([]FootprintBin, len(c.Bins))
	copy(cp.Bins, c.Bins)
	cp.Closed = false
	return &cp
}

// MergeFrom folds a completed base candle into c (the rollup bucket),
// per spec.md §4.4's merge rule: h=max, l=min, c=latest, volumes/trade_count
// add, delta recomputed (not accumulated), bins merged by tick_price.
func (c *Candle) MergeFrom(base *Candle) {
	if base.High > c.High {
		c.High = base.High
	}
	if base.Low < c.Low {
		c.Low = base.Low
	}
	c.Close = base.Close

	c.BuyVolume = round8(c.BuyVolume + base.BuyVolume)
	c.SellVolume = round8(c.SellVolume + base.SellVolume)
	c.TotalVolume = round8(c.BuyVolume + c.SellVolume)
	c.BuyQuoteVolume = round5(c.BuyQuoteVolume + base.BuyQuoteVolume)
	c.SellQuoteVolume = round5(c.SellQuoteVolume + base.SellQuoteVolume)
	c.TotalQuoteVolume = round5(c.BuyQuoteVolume + c.SellQuoteVolume)
	c.TradeCount += base.TradeCount

	if base.FirstTradeID != 0 && (c.FirstTradeID == 0 || base.FirstTradeID < c.FirstTradeID) {
		c.FirstTradeID = base.FirstTradeID
	}
	if base.LastTradeID > c.LastTradeID {
		c.LastTradeID = base.LastTradeID
	}

	for i := range base.Bins {
		var bin *FootprintBin
		c.Bins, bin = InsertBin(c.Bins, base.Bins[i].TickPrice)
		bin.MergeFrom(&base.Bins[i])
	}

	c.Delta = c.BuyVolume - c.SellVolume
	if c.Delta > c.DeltaMax {
		c.DeltaMax = c.Delta
	}
	if c.Delta < c.DeltaMin {
		c.DeltaMin = c.Delta
	}
}

// Validate checks the writer-side persistence rules of spec.md §7: scalar
// fields present and numeric (callers construct from validated JSON, so
// NaN/Inf is the only concrete check left here), open_time aligned to the
// timeframe duration, l/h bound o/c, bins sorted ascending with no
// duplicate tick_price and non-negative volumes.
func (c *Candle) Validate() error {
	d, ok := c.Timeframe.DurationMs()
	if !ok {
		return errUnknownTimeframe(c.Timeframe)
	}
	if c.OpenTime%d != 0 {
		return errBadAlignment(c.Symbol, c.Timeframe, c.OpenTime)
	}
	minOC := c.Open
	if c.Close < minOC {
		minOC = c.Close
	}
	maxOC := c.Open
	if c.Close > maxOC {
		maxOC = c.Close
	}
	if c.Low > minOC {
		return errBounds(c.Symbol, c.Timeframe, "low")
	}
	if c.High < maxOC {
		return errBounds(c.Symbol, c.Timeframe, "high")
	}
	var prev float64
	for i := range c.Bins {
		if c.Bins[i].BuyVolume < 0 || c.Bins[i].SellVolume < 0 {
			return errNegativeBinVolume(c.Symbol, c.Timeframe, c.Bins[i].TickPrice)
		}
		if i > 0 {
			if c.Bins[i].TickPrice == prev {
				return errDuplicateBin(c.Symbol, c.Timeframe, c.Bins[i].TickPrice)
			}
			if c.Bins[i].TickPrice < prev {
				return errUnsortedBins(c.Symbol, c.Timeframe)
			}
		}
		prev = c.Bins[i].TickPrice
	}
	return nil
}

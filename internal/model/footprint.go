package model

import "math"

// priceScale is the fixed-point scale spec.md §4.2 uses for bin-price
// arithmetic: all price math happens in units of 1e-7 so that repeated
// additions never accumulate float64 drift.
const priceScale = 1e7

// niceBinMultipliers is the base set spec.md §4.2 picks bin_multiplier
// from: {1, 2, 2.5, 4, 5} x 10^n.
var niceBinMultipliers = []float64{1, 2, 2.5, 4, 5}

// FootprintBin is the aggregated buy/sell volume at one discretised price
// level within a candle. Base volumes are tracked to 8 decimal places,
// quote volumes to 5, per spec.md §4.2.
type FootprintBin struct {
	TickPrice       float64 `json:"tick_price"`
	BuyVolume       float64 `json:"buy_volume"`
	SellVolume      float64 `json:"sell_volume"`
	BuyQuoteVolume  float64 `json:"buy_quote_volume"`
	SellQuoteVolume float64 `json:"sell_quote_volume"`
}

// MaxBinsWarning is the soft warning threshold on bins-per-candle
// (spec.md §3: "capped at a warning threshold (~500) but not truncated").
const MaxBinsWarning = 500

// BinPrice maps a trade price to its bin's tick_price, given the
// symbol's tick value and bin multiplier. effectiveBin = tickValue *
// binMultiplier; the bin a price falls into is floor(price/effectiveBin)
// * effectiveBin, computed in scaled integers to avoid float drift.
//
// spec.md §4.2 describes this as "multiply by 10⁷, floor, subtract 1,
// subtract modulo e·10⁷, divide back" — read literally that formula
// shifts an exact bin boundary down into the previous bin, which
// contradicts the worked example in spec.md §8 S6 (price 105.0 with
// effective bin 5.0 must land in bin 105.0, not 100.0). This
// implementation follows the worked example: plain
// floor(price/effectiveBin)*effectiveBin in scaled-integer arithmetic,
// with no epsilon bias at the boundary. See DESIGN.md.
func BinPrice(price, tickValue float64, binMultiplier int) float64 {
	effectiveBin := tickValue * float64(binMultiplier)
	if effectiveBin <= 0 {
		return price
	}
	scaledPrice := int64(math.Round(price * priceScale))
	scaledBin := int64(math.Round(effectiveBin * priceScale))
	if scaledBin <= 0 {
		return price
	}
	idx := scaledPrice / scaledBin
	return float64(idx*scaledBin) / priceScale
}

// ChooseBinMultiplier picks a "nice" bin multiplier from the
// {1, 2, 2.5, 4, 5} x 10^n base set so that a candle with the given
// typical price range yields 40–200 bins, per spec.md §4.2.
func ChooseBinMultiplier(tickValue, typicalPriceRange float64) int {
	if tickValue <= 0 || typicalPriceRange <= 0 {
		return 1
	}
	const (
		targetBinsLow  = 40.0
		targetBinsHigh = 200.0
	)
	best := 1.0
	bestBins := typicalPriceRange / tickValue
	for n := 0; n < 8; n++ {
		pow := math.Pow(10, float64(n))
		for _, base := range niceBinMultipliers {
			m := base * pow
			if m != math.Trunc(m) {
				continue // 2.5 x 10^0 is not an integer multiplier
			}
			effectiveBin := tickValue * m
			bins := typicalPriceRange / effectiveBin
			if bins >= targetBinsLow && bins <= targetBinsHigh {
				return int(math.Round(m))
			}
			// Track the closest candidate in case nothing lands in range.
			if math.Abs(bins-((targetBinsLow+targetBinsHigh)/2)) < math.Abs(bestBins-((targetBinsLow+targetBinsHigh)/2)) {
				best = m
				bestBins = bins
			}
		}
	}
	_ = bestBins
	return int(math.Round(best))
}

// round8 rounds a base-volume quantity to 8 decimal places, clamping
// negative fractional drift to zero per spec.md §4.2.
func round8(v float64) float64 {
	return clampRound(v, 1e8)
}

// round5 rounds a quote-volume quantity to 5 decimal places, clamping
// negative fractional drift to zero per spec.md §4.2.
func round5(v float64) float64 {
	return clampRound(v, 1e5)
}

func clampRound(v, scale float64) float64 {
	r := math.Round(v*scale) / scale
	if r < 0 {
		return 0
	}
	return r
}

// ApplyTrade adds one trade's quantity/value into the bin according to
// aggressor side, per spec.md §4.2.
func (b *FootprintBin) ApplyTrade(t *Trade) {
	if t.IsAggressorBuy() {
		b.BuyVolume = round8(b.BuyVolume + t.Quantity)
		b.BuyQuoteVolume = round5(b.BuyQuoteVolume + t.Value())
	} else {
		b.SellVolume = round8(b.SellVolume + t.Quantity)
		b.SellQuoteVolume = round5(b.SellQuoteVolume + t.Value())
	}
}

// MergeFrom adds another bin's volumes into b (used by the rollup engine
// to merge a 1s candle's bins into a higher timeframe's matching bin).
func (b *FootprintBin) MergeFrom(o *FootprintBin) {
	b.BuyVolume = round8(b.BuyVolume + o.BuyVolume)
	b.SellVolume = round8(b.SellVolume + o.SellVolume)
	b.BuyQuoteVolume = round5(b.BuyQuoteVolume + o.BuyQuoteVolume)
	b.SellQuoteVolume = round5(b.SellQuoteVolume + o.SellQuoteVolume)
}

// InsertBin locates the bin for tickPrice in a sorted bin slice, inserting
// a new zero-valued bin at the correct sorted position if absent, and
// returns a pointer to it. Linear scan is acceptable given bounded bin
// counts (spec.md §4.2).
func InsertBin(bins []FootprintBin, tickPrice float64) ([]FootprintBin, *FootprintBin) {
	for i := range bins {
		if bins[i].TickPrice == tickPrice {
			return bins, &bins[i]
		}
		if bins[i].TickPrice > tickPrice {
			bins = append(bins, FootprintBin{})
			copy(bins[i+1:], bins[i:])
			bins[i] = FootprintBin{TickPrice: tickPrice}
			return bins, &bins[i]
		}
	}
	bins = append(bins, FootprintBin{TickPrice: tickPrice})
	return bins, &bins[len(bins)-1]
}

// SumBuyVolume sums BuyVolume across all bins (used by the bin-conservation
// property, spec.md §8 property 5).
func SumBuyVolume(bins []FootprintBin) float64 {
	var sum float64
	for i := range bins {
		sum += bins[i].BuyVolume
	}
	return sum
}

// SumSellVolume sums SellVolume across all bins.
func SumSellVolume(bins []FootprintBin) float64 {
	var sum float64
	for i := range bins {
		sum += bins[i].SellVolume
	}
	return sum
}

package model

import "fmt"

// Validation errors for persisted candles, per spec.md §7 "Candle
// validation failure at writer". Kept as distinct constructors (rather
// than one generic wrapper) so callers and tests can match on message
// content without a sentinel-error taxonomy the spec doesn't ask for.

func errUnknownTimeframe(tf Timeframe) error {
	return fmt.Errorf("model: unknown timeframe %q", tf)
}

func errBadAlignment(symbol string, tf Timeframe, openTime int64) error {
	return fmt.Errorf("model: candle %s/%s open_time %d not aligned to timeframe duration", symbol, tf, openTime)
}

func errBounds(symbol string, tf Timeframe, which string) error {
	return fmt.Errorf("model: candle %s/%s violates %s bound", symbol, tf, which)
}

func errNegativeBinVolume(symbol string, tf Timeframe, tickPrice float64) error {
	return fmt.Errorf("model: candle %s/%s bin %v has negative volume", symbol, tf, tickPrice)
}

func errDuplicateBin(symbol string, tf Timeframe, tickPrice float64) error {
	return fmt.Errorf("model: candle %s/%s duplicate bin at tick_price %v", symbol, tf, tickPrice)
}

func errUnsortedBins(symbol string, tf Timeframe) error {
	return fmt.Errorf("model: candle %s/%s bins not sorted ascending", symbol, tf)
}

package model

import "fmt"

// Timeframe is one of the fixed candle durations FlowTrace maintains per
// symbol. 1s is the base timeframe; every other timeframe is filled by
// rolling up completed base candles (see internal/tradeengine).
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
)

const msPerSecond = 1000

// timeframeDurations maps every supported timeframe to its duration in
// milliseconds. This is the canonical closed set from spec.md §3 — no
// other timeframe name is valid anywhere in the pipeline.
var timeframeDurations = map[Timeframe]int64{
	TF1s:  1 * msPerSecond,
	TF1m:  60 * msPerSecond,
	TF3m:  3 * 60 * msPerSecond,
	TF5m:  5 * 60 * msPerSecond,
	TF15m: 15 * 60 * msPerSecond,
	TF30m: 30 * 60 * msPerSecond,
	TF1h:  60 * 60 * msPerSecond,
	TF2h:  2 * 60 * 60 * msPerSecond,
	TF4h:  4 * 60 * 60 * msPerSecond,
	TF8h:  8 * 60 * 60 * msPerSecond,
	TF12h: 12 * 60 * 60 * msPerSecond,
	TF1d:  24 * 60 * 60 * msPerSecond,
}

// RollupTimeframes are every timeframe fed by the rollup engine (C7), in
// ascending duration order. TF1s is excluded — it's the base, filled
// directly by the trade state machine (C6).
var RollupTimeframes = []Timeframe{
	TF1m, TF3m, TF5m, TF15m, TF30m, TF1h, TF2h, TF4h, TF8h, TF12h, TF1d,
}

// AllTimeframes is RollupTimeframes plus the base timeframe, in ascending
// duration order.
var AllTimeframes = append([]Timeframe{TF1s}, RollupTimeframes...)

// DurationMs returns the timeframe's duration in milliseconds and whether
// the name is recognised.
func (tf Timeframe) DurationMs() (int64, bool) {
	d, ok := timeframeDurations[tf]
	return d, ok
}

// MustDurationMs is DurationMs but panics on an unknown timeframe; only
// used where the timeframe was already validated (e.g. iterating
// AllTimeframes).
func (tf Timeframe) MustDurationMs() int64 {
	d, ok := timeframeDurations[tf]
	if !ok {
		panic(fmt.Sprintf("model: unknown timeframe %q", tf))
	}
	return d
}

// IsBase reports whether tf is the 1s base timeframe.
func (tf Timeframe) IsBase() bool {
	return tf == TF1s
}

// AlignOpenTime floors tsMs to the start of the bucket tf covers.
func (tf Timeframe) AlignOpenTime(tsMs int64) int64 {
	d := tf.MustDurationMs()
	return tsMs - (tsMs % d)
}

// CloseTime returns the last millisecond covered by the bucket starting at
// openTime, per spec.md §3: close_time = open_time + duration − 1.
func (tf Timeframe) CloseTime(openTime int64) int64 {
	return openTime + tf.MustDurationMs() - 1
}

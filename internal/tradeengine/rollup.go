package tradeengine

import "flowtrace/internal/model"

// RollupAll runs the rollup engine (C7) for every configured rollup
// timeframe against one completed base candle, per spec.md §4.4. refTMs
// is the timestamp of the trade that caused the base candle's close.
// Returns the rollup candles that just closed (bucket boundary crossed)
// and are ready for emission, in ascending timeframe-duration order.
func RollupAll(g *model.CandleGroup, base *model.Candle, refTMs int64) []*model.Candle {
	var closed []*model.Candle
	for _, tf := range model.RollupTimeframes {
		if c := rollupOne(g, tf, base, refTMs); c != nil {
			closed = append(closed, c)
		}
	}
	return closed
}

// rollupOne applies one timeframe's rollup step. Returns the candle that
// just closed, or nil if the bucket is still open after this merge.
func rollupOne(g *model.CandleGroup, tf model.Timeframe, base *model.Candle, refTMs int64) *model.Candle {
	d := tf.MustDurationMs()
	bucketOpen := floorDiv(base.OpenTime, d) * d
	checkBucket := floorDiv(refTMs, d) * d

	cur := g.Rollup(tf)

	if cur == nil || bucketOpen > cur.OpenTime {
		// A new bucket has started: replace with a fresh candle seeded
		// from the completed base candle.
		next := base.Clone()
		next.Timeframe = tf
		next.OpenTime = bucketOpen
		next.CloseTime = tf.CloseTime(bucketOpen)
		g.SetRollup(tf, next)
		cur = next
	} else if bucketOpen == cur.OpenTime {
		cur.MergeFrom(base)
	}
	// bucketOpen < cur.OpenTime cannot happen: base candles close in
	// monotonically increasing open_time order within one symbol.

	if checkBucket != bucketOpen {
		cur.MarkClosed()
		return cur
	}
	return nil
}

// floorDiv is integer floor division for non-negative operands (all
// timestamps and durations in this pipeline are non-negative).
func floorDiv(a, b int64) int64 {
	return a / b
}

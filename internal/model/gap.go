package model

// GapRecord marks a hole in a symbol's trade-id sequence detected by the
// candle state machine (spec.md §4.3 step 1). Gaps don't block the live
// pipeline; they're recorded here and repaired out-of-band by an async
// exchange re-fetch, then re-injected through the normal trade path.
type GapRecord struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	FromTradeID  uint64 `json:"from_trade_id"`
	ToTradeID    uint64 `json:"to_trade_id"`
	GapSize      uint64 `json:"gap_size"`
	DetectedAtMs int64  `json:"detected_at"`
	Synced       bool   `json:"synced"`
}

// GapSeverity classifies a gap by size, grounded on the teacher's gap
// watcher (determineGapAction in depth_gap_watcher.go), feeding the
// async exchange-refetch priority (spec.md §7 "Gap detected" row).
type GapSeverity string

const (
	GapSeverityWarning  GapSeverity = "LOG_WARNING"
	GapSeveritySnapshot GapSeverity = "SNAPSHOT_REQUEST"
	GapSeverityCritical GapSeverity = "CRITICAL_GAP"
)

// Gap-size thresholds. Fixed constants; these are the teacher's
// defaults for sequence-gap classification, carried over verbatim since
// the spec doesn't redefine them.
const (
	GapWarningThreshold  = 10
	GapCriticalThreshold = 1000
)

// NewGapRecord builds a GapRecord covering (fromTradeID, toTradeID)
// inclusive, per spec.md §4.3 step 1.
func NewGapRecord(exchange, symbol string, fromTradeID, toTradeID uint64, detectedAtMs int64) GapRecord {
	return GapRecord{
		Exchange:     exchange,
		Symbol:       symbol,
		FromTradeID:  fromTradeID,
		ToTradeID:    toTradeID,
		GapSize:      toTradeID - fromTradeID + 1,
		DetectedAtMs: detectedAtMs,
	}
}

// Severity classifies the gap by its size against the default thresholds.
func (g GapRecord) Severity() GapSeverity {
	switch {
	case g.GapSize >= GapCriticalThreshold:
		return GapSeverityCritical
	case g.GapSize >= GapWarningThreshold:
		return GapSeveritySnapshot
	default:
		return GapSeverityWarning
	}
}

package model

import "time"

// Trade is an immutable exchange trade print. Parsing from the wire is a
// single point (internal/feed) where exchange-native payloads become this
// struct; nothing downstream touches raw exchange JSON again.
type Trade struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	TradeID      uint64 `json:"trade_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	TimestampMs  int64  `json:"timestamp_ms"`
	BuyerIsMaker bool   `json:"buyer_is_maker"`
}

// IsAggressorBuy reports whether the trade's aggressor (taker) was a
// buyer. spec.md §3: buyer_is_maker true ⇒ aggressor sold.
func (t *Trade) IsAggressorBuy() bool {
	return !t.BuyerIsMaker
}

// Value returns price*quantity, the trade's quote-currency notional.
func (t *Trade) Value() float64 {
	return t.Price * t.Quantity
}

// IsMetadataOnly reports whether the trade carries no price/size
// information and exists only to advance the trade-id sequence
// (spec.md §4.3 step 2).
func (t *Trade) IsMetadataOnly() bool {
	return t.Price == 0 && t.Quantity == 0
}

// Valid reports whether the trade satisfies the data-model invariants of
// spec.md §3: price, quantity >= 0, and both are real (non-NaN, non-Inf)
// numbers. Malformed trades are the *Malformed trade* error case of
// spec.md §7 and must be dropped before entering the state machine.
func (t *Trade) Valid() bool {
	if t.Price < 0 || t.Quantity < 0 {
		return false
	}
	if isNaNOrInf(t.Price) || isNaNOrInf(t.Quantity) {
		return false
	}
	return t.Exchange != "" && t.Symbol != ""
}

func isNaNOrInf(f float64) bool {
	return f != f || f > maxFinite || f < -maxFinite
}

const maxFinite = 1.797693134862315708145274237317043567981e+308

// Key returns the "exchange:symbol" identity used to index per-symbol
// state across the pipeline.
func Key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// ReceivedAt is used only for metrics/latency observability; it is never
// part of the deterministic trade-processing state.
type ReceivedAt struct {
	Trade Trade
	At    time.Time
}

// Package feed is the seam between FlowTrace's core pipeline and a live
// exchange trade stream (SPEC_FULL.md §1): a small Feed port plus one
// concrete WebSocket implementation, grounded on the teacher's
// internal/exchanges/binance.go connector.
package feed

import "flowtrace/internal/model"

// Feed is the ingest process's only dependency on a specific exchange
// transport. cmd/ingest reads normalized trades from Trades() and routes
// them to workers; Errors() surfaces stream-level failures (a dropped
// connection, a read error) without tearing down the reader.
type Feed interface {
	// Start dials the exchange and begins delivering trades for symbols.
	Start(symbols []string) error
	// Trades returns the channel normalized trades are delivered on.
	Trades() <-chan model.Trade
	// Errors returns the channel stream-level errors are delivered on.
	Errors() <-chan error
	// Connected reports whether the underlying transport is currently up.
	Connected() bool
	// Close tears down the feed and stops delivery.
	Close() error
}

// Package worker implements the per-symbol-set candle worker runtime
// (C8, spec.md §4.8), grounded on internal/supervisor/supervisor.go: a
// sequential message queue per worker, generalized from "supervised
// websocket connection" to "supervised candle-processing unit" owning a
// set of CandleGroups.
package worker

import "flowtrace/internal/model"

// MessageType names the fixed set of messages a worker's parent can send
// it, per spec.md §4.8.
type MessageType string

const (
	MsgProcessTrades    MessageType = "PROCESS_TRADES"
	MsgSymbolAssignment MessageType = "SYMBOL_ASSIGNMENT"
	MsgHeartbeat        MessageType = "HEARTBEAT"
	MsgWorkerStatus     MessageType = "WORKER_STATUS"
	MsgSyncMetrics      MessageType = "SYNC_METRICS"
	MsgWorkerInit       MessageType = "WORKER_INIT"
)

// ProcessTradesPayload carries one symbol's ordered trade batch.
type ProcessTradesPayload struct {
	Symbol string
	Trades []model.Trade
}

// SymbolAssignmentPayload adds or removes a symbol from this worker, per
// spec.md §4.8's `SYMBOL_ASSIGNMENT { symbol, tick_value, exchange, remove? }`.
type SymbolAssignmentPayload struct {
	Symbol        string
	Exchange      string
	TickValue     float64
	BinMultiplier int
	Remove        bool
}

// StatusReply answers HEARTBEAT/WORKER_STATUS/SYNC_METRICS with liveness
// and resource metrics (spec.md §4.8).
type StatusReply struct {
	WorkerID       string
	UptimeMs       int64
	SymbolCount    int
	HeapAllocBytes uint64
	NumGoroutine   int
}

// Message is the worker's single inbox envelope. Exactly one of the
// payload fields is set, matching Type. Reply, when non-nil, is written
// to exactly once by the worker before the message is considered handled.
// Done, when non-nil, is closed once the message has been fully handled —
// the router uses it to order a symbol's removal-flush on the old owner
// before the assignment-restore on the new one (spec.md §4.9 handoff).
type Message struct {
	Type MessageType

	ProcessTrades    *ProcessTradesPayload
	SymbolAssignment *SymbolAssignmentPayload

	Reply chan StatusReply
	Done  chan struct{}
}

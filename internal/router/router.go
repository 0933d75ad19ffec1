// Package router owns the hash ring and dispatches inbound trade batches
// and symbol assignments to the worker that currently owns each symbol
// (C9, spec.md §4.9), grounded on cmd/main.go's registerWebSocketWorkers /
// createWebSocketWorker wiring: the same "one symbol, one owner" dispatch
// shape, generalized from a static exchange×symbol map to a hash ring that
// can be rebalanced as workers join or leave.
package router

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"flowtrace/internal/hashring"
	"flowtrace/internal/model"
	"flowtrace/internal/worker"
)

// symbolPattern is the resolved Open Question from spec.md §4.9: a symbol
// is 1-30 uppercase alphanumerics plus underscore.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9_]{1,30}$`)

func validSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// assignment records which worker currently owns a symbol, plus enough of
// its assignment parameters to re-derive the same CandleGroup shape on a
// future rebalance migration.
type assignment struct {
	exchange      string
	ownerID       string
	tickValue     float64
	binMultiplier int
}

// Router maintains the hash ring and routes PROCESS_TRADES / SYMBOL_ASSIGNMENT
// messages to the owning worker. The ring is mutated only from the goroutine
// that calls AddWorker/RemoveWorker/Rebalance (spec.md §5: "the hash ring is
// read by the main thread only; it is mutated only from the main thread
// when scaling").
type Router struct {
	log *zap.Logger

	ring *hashring.Ring

	mu          sync.RWMutex
	workers     map[string]*worker.Worker
	assignments map[string]assignment // symbol -> current owner + params
}

// New returns an empty Router with no workers and no tracked symbols.
func New(log *zap.Logger) *Router {
	return &Router{
		log:         log.Named("router"),
		ring:        hashring.New(),
		workers:     make(map[string]*worker.Worker),
		assignments: make(map[string]assignment),
	}
}

// AddWorker registers w under id and gives it virtual nodes on the ring.
// Does not itself migrate any already-assigned symbols; call Rebalance
// afterward to do that.
func (r *Router) AddWorker(id string, w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = w
	r.ring.AddWorker(id)
}

// RemoveWorker drops id's virtual nodes from the ring and forgets it. Any
// symbols it owned are left stale in assignments until Rebalance runs.
func (r *Router) RemoveWorker(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
	r.ring.RemoveWorker(id)
}

// AssignSymbolToWorker validates symbol, resolves its owner from the ring,
// and sends that worker a SYMBOL_ASSIGNMENT message. Returns an error
// without sending anything if the symbol is malformed or the ring is empty.
func (r *Router) AssignSymbolToWorker(exchange, symbol string, tickValue float64, binMultiplier int) error {
	if !validSymbol(symbol) {
		return fmt.Errorf("router: invalid symbol %q", symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ownerID, err := r.ring.WorkerFor(symbol)
	if err != nil {
		return fmt.Errorf("router: assign %s: %w", symbol, err)
	}
	w, ok := r.workers[ownerID]
	if !ok {
		return fmt.Errorf("router: owner %s for symbol %s not registered", ownerID, symbol)
	}

	w.Send(worker.Message{
		Type: worker.MsgSymbolAssignment,
		SymbolAssignment: &worker.SymbolAssignmentPayload{
			Symbol:        symbol,
			Exchange:      exchange,
			TickValue:     tickValue,
			BinMultiplier: binMultiplier,
		},
	})
	r.assignments[symbol] = assignment{exchange: exchange, ownerID: ownerID, tickValue: tickValue, binMultiplier: binMultiplier}
	r.log.Info("symbol assigned", zap.String("symbol", symbol), zap.String("worker_id", ownerID))
	return nil
}

// Route dispatches one symbol's trade batch to its owning worker. Per
// spec.md §4.9, there is no queueing: if the ring is empty or the symbol's
// owner isn't registered, the batch is dropped with a warning.
func (r *Router) Route(exchange, symbol string, trades []model.Trade) {
	r.mu.RLock()
	ownerID, err := r.ring.WorkerFor(symbol)
	if err != nil {
		r.mu.RUnlock()
		r.log.Warn("dropping trade batch, ring empty", zap.String("symbol", symbol))
		return
	}
	w, ok := r.workers[ownerID]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("dropping trade batch, owner not registered", zap.String("symbol", symbol), zap.String("worker_id", ownerID))
		return
	}

	w.Send(worker.Message{
		Type:          worker.MsgProcessTrades,
		ProcessTrades: &worker.ProcessTradesPayload{Symbol: symbol, Trades: trades},
	})
}

// Rebalance re-derives ownership for every tracked symbol after a ring
// membership change and migrates any whose owner changed: the old owner is
// told to remove (flush synchronously), then — once that flush completes —
// the new owner is told to assign (restore from snapshot), per spec.md
// §4.9's handoff ordering.
func (r *Router) Rebalance() {
	r.mu.Lock()
	type move struct {
		symbol  string
		from    assignment
		toOwner string
	}
	var moves []move
	for symbol, a := range r.assignments {
		newOwner, err := r.ring.WorkerFor(symbol)
		if err != nil {
			continue
		}
		if newOwner != a.ownerID {
			moves = append(moves, move{symbol: symbol, from: a, toOwner: newOwner})
		}
	}
	r.mu.Unlock()

	for _, m := range moves {
		r.mu.RLock()
		oldWorker, oldOK := r.workers[m.from.ownerID]
		newWorker, newOK := r.workers[m.toOwner]
		r.mu.RUnlock()
		if !oldOK || !newOK {
			r.log.Warn("skipping migration, worker missing", zap.String("symbol", m.symbol))
			continue
		}

		done := make(chan struct{})
		oldWorker.Send(worker.Message{
			Type: worker.MsgSymbolAssignment,
			SymbolAssignment: &worker.SymbolAssignmentPayload{
				Symbol: m.symbol, Exchange: m.from.exchange, Remove: true,
			},
			Done: done,
		})
		<-done

		newWorker.Send(worker.Message{
			Type: worker.MsgSymbolAssignment,
			SymbolAssignment: &worker.SymbolAssignmentPayload{
				Symbol: m.symbol, Exchange: m.from.exchange,
				TickValue: m.from.tickValue, BinMultiplier: m.from.binMultiplier,
			},
		})

		r.mu.Lock()
		r.assignments[m.symbol] = assignment{
			exchange: m.from.exchange, ownerID: m.toOwner,
			tickValue: m.from.tickValue, binMultiplier: m.from.binMultiplier,
		}
		r.mu.Unlock()
		r.log.Info("symbol migrated", zap.String("symbol", m.symbol),
			zap.String("from", m.from.ownerID), zap.String("to", m.toOwner))
	}
}

// TrackedSymbols returns the symbols currently assigned through this
// router, for observability and tests.
func (r *Router) TrackedSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.assignments))
	for s := range r.assignments {
		out = append(out, s)
	}
	return out
}

// Package hashring implements the Ketama-style consistent-hash ring that
// assigns symbols to workers (spec.md §4.1). It is read from the main
// (router) goroutine only and mutated only when the worker pool scales.
package hashring

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// virtualNodes is the number of virtual nodes per worker (V in spec.md
// §4.1's "V·K hash points").
const virtualNodes = 80

// pointsPerVnode is the number of ring points each virtual node expands
// to by varying a suffix (K in spec.md §4.1).
const pointsPerVnode = 4

// ErrEmptyRing is returned by WorkerFor when no worker has been added yet.
var ErrEmptyRing = errors.New("hashring: ring is empty")

type point struct {
	hash     uint32
	workerID string
}

// Ring is a Ketama-style consistent-hash ring mapping symbol keys to
// worker ids. Not safe for concurrent mutation from more than one
// goroutine; lookups may run concurrently with each other but not with
// AddWorker/RemoveWorker (spec.md §5: "the hash ring is read by the main
// thread only; it is mutated only from the main thread when scaling").
type Ring struct {
	mu      sync.RWMutex
	points  []point          // sorted ascending by hash
	workers map[string]bool  // current ring membership
	cache   map[string]string // symbol -> worker id, invalidated on membership change
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{
		workers: make(map[string]bool),
		cache:   make(map[string]string),
	}
}

// AddWorker inserts workerID's virtual nodes into the ring. A no-op if
// the worker is already present.
func (r *Ring) AddWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers[workerID] {
		return
	}
	r.workers[workerID] = true
	for v := 0; v < virtualNodes; v++ {
		for k := 0; k < pointsPerVnode; k++ {
			key := fmt.Sprintf("%s-%d-%d", workerID, v, k)
			r.points = append(r.points, point{hash: murmur32([]byte(key)), workerID: workerID})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	r.invalidateCache()
}

// RemoveWorker drops workerID's virtual nodes from the ring. A no-op if
// the worker isn't present.
func (r *Ring) RemoveWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.workers[workerID] {
		return
	}
	delete(r.workers, workerID)
	kept := r.points[:0]
	for _, p := range r.points {
		if p.workerID != workerID {
			kept = append(kept, p)
		}
	}
	r.points = kept
	r.invalidateCache()
}

// invalidateCache must be called with mu held.
func (r *Ring) invalidateCache() {
	r.cache = make(map[string]string)
}

// WorkerFor returns the worker id owning symbol, per the ring: the first
// point with hash >= hash(symbol), wrapping at the end. Returns
// ErrEmptyRing if no worker has been added.
func (r *Ring) WorkerFor(symbol string) (string, error) {
	r.mu.RLock()
	if id, ok := r.cache[symbol]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	if len(r.points) == 0 {
		r.mu.RUnlock()
		return "", ErrEmptyRing
	}
	h := murmur32([]byte(symbol))
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	id := r.points[idx].workerID
	r.mu.RUnlock()

	r.mu.Lock()
	r.cache[symbol] = id
	r.mu.Unlock()
	return id, nil
}

// LoadDistribution returns, for a set of symbols, how many are currently
// owned by each worker — used for rebalance observability (spec.md §4.1).
func (r *Ring) LoadDistribution(symbols []string) (map[string]int, error) {
	dist := make(map[string]int)
	for _, s := range symbols {
		id, err := r.WorkerFor(s)
		if err != nil {
			return nil, err
		}
		dist[id]++
	}
	return dist, nil
}

// Workers returns the current ring membership (worker ids), unordered.
func (r *Ring) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// Empty reports whether the ring currently has no workers.
func (r *Ring) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points) == 0
}

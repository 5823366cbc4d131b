// Package slowdownload implements C6, the slow downloader: a bounded
// pool of DHT edition lookups driven by a priority queue of edition
// hints (spec §4.6). It is grounded on the teacher's worker-pool shape
// (cmd/scorer's bounded-concurrency job loop) and reuses
// cenkalti/backoff/v4, one of the pack's retry libraries, for the
// exponential backoff spec §9 leaves the exact schedule of
// unspecified — see DESIGN.md for the concrete choice this
// implementation makes.
package slowdownload

import (
	"container/heap"
	"sync"

	"github.com/ParichayaHQ/credence/internal/graphstore"
)

// hint is one pending edition lookup, ordered per spec §4.6: earliest
// created first, then by descending source capacity, then descending
// source score, then descending edition (prefer the freshest claim
// among otherwise-tied sources).
type hint struct {
	graphstore.EditionHintRow
	index int // heap.Interface bookkeeping
}

type hintQueue []*hint

func (q hintQueue) Len() int { return len(q) }

func (q hintQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.SourceCapacity != b.SourceCapacity {
		return a.SourceCapacity > b.SourceCapacity
	}
	if a.SourceScore != b.SourceScore {
		return a.SourceScore > b.SourceScore
	}
	return a.Edition > b.Edition
}

func (q hintQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *hintQueue) Push(x any) {
	h := x.(*hint)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *hintQueue) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}

// priorityQueue is a concurrency-safe wrapper around hintQueue, also
// indexed by target identity. add never replaces a pending hint: several
// hints for the same target are each kept and popped separately.
type priorityQueue struct {
	mu      sync.Mutex
	heap    hintQueue
	byKey   map[string]*hint // keyed by rowKey (source#target#edition)
	byTgt   map[string][]*hint
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{
		byKey: make(map[string]*hint),
		byTgt: make(map[string][]*hint),
	}
}

func targetKey(row graphstore.EditionHintRow) string { return row.TargetID }

func (pq *priorityQueue) add(row graphstore.EditionHintRow) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	h := &hint{EditionHintRow: row}
	heap.Push(&pq.heap, h)
	pq.byKey[rowKey(row)] = h
	pq.byTgt[targetKey(row)] = append(pq.byTgt[targetKey(row)], h)
}

func rowKey(row graphstore.EditionHintRow) string {
	// Built from source, target and edition rather than the store ID.
	return row.SourceID + "#" + row.TargetID + "#" + itoa(row.Edition)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// popNextFor pops the single highest-priority hint for any target not
// already present in excluding (the set of targets with a download
// already in flight), or ok=false if none is available.
func (pq *priorityQueue) popNextFor(excluding map[string]bool) (graphstore.EditionHintRow, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	// Pop-and-requeue until we find a target not currently running;
	// the priority queue is expected to be small (bounded by distinct
	// pending hints), so this scan is cheap relative to network I/O.
	var deferred []*hint
	defer func() {
		for _, h := range deferred {
			heap.Push(&pq.heap, h)
		}
	}()
	for pq.heap.Len() > 0 {
		h := heap.Pop(&pq.heap).(*hint)
		if excluding[h.TargetID] {
			deferred = append(deferred, h)
			continue
		}
		pq.removeLocked(h)
		return h.EditionHintRow, true
	}
	return graphstore.EditionHintRow{}, false
}

func (pq *priorityQueue) removeLocked(h *hint) {
	delete(pq.byKey, rowKey(h.EditionHintRow))
	tgt := pq.byTgt[h.TargetID]
	for i, other := range tgt {
		if other == h {
			pq.byTgt[h.TargetID] = append(tgt[:i], tgt[i+1:]...)
			break
		}
	}
}

func (pq *priorityQueue) len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

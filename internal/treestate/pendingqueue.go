// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package treestate

import (
	"container/heap"

	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/set"
	"github.com/luxfi/konsensus/types"
)

// pendingQueue is a min-priority queue of pending blocks keyed by round
// (spec §3 "pending_queue"). queued tracks which block hashes are
// currently enqueued so a pending block that is delivered more than once is
// only queued, and popped, once.
type pendingQueue struct {
	h      pendingHeap
	queued set.Set[types.BlockHash]
}

func newPendingQueue() *pendingQueue {
	pq := &pendingQueue{queued: set.Set[types.BlockHash]{}}
	heap.Init(&pq.h)
	return pq
}

// Push adds b to the queue, unless its hash is already queued.
func (q *pendingQueue) Push(b *chainblock.Block) {
	h := b.Hash()
	if q.queued.Contains(h) {
		return
	}
	q.queued.Add(h)
	heap.Push(&q.h, b)
}

// PopUpTo removes and returns, in ascending round order, every block with
// round <= round (used to purge pending blocks on finalization, spec
// §4.11 step 5).
func (q *pendingQueue) PopUpTo(round uint64) []*chainblock.Block {
	var out []*chainblock.Block
	for q.h.Len() > 0 && uint64(q.h[0].Round) <= round {
		b := heap.Pop(&q.h).(*chainblock.Block)
		q.queued.Remove(b.Hash())
		out = append(out, b)
	}
	return out
}

// Len returns the number of queued blocks.
func (q *pendingQueue) Len() int { return q.h.Len() }

type pendingHeap []*chainblock.Block

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].Round < h[j].Round }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*chainblock.Block)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

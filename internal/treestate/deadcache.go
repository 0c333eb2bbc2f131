// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package treestate

import (
	"github.com/luxfi/konsensus/set"
	"github.com/luxfi/konsensus/types"
)

// deadCache is a bounded FIFO ring buffer of block hashes, evicting
// oldest-first once capacity is reached (spec §3 "dead_cache", SPEC_FULL.md
// supplemented eviction policy). Membership is tracked with set.Set so
// Contains stays O(1) regardless of capacity.
type deadCache struct {
	capacity int
	ring     []types.BlockHash
	head     int // next write position
	size     int
	member   set.Set[types.BlockHash]
}

func newDeadCache(capacity int) *deadCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &deadCache{
		capacity: capacity,
		ring:     make([]types.BlockHash, capacity),
		member:   make(set.Set[types.BlockHash], capacity),
	}
}

// Add records h as dead, evicting the oldest entry if at capacity.
func (d *deadCache) Add(h types.BlockHash) {
	if d.member.Contains(h) {
		return
	}
	if d.size == d.capacity {
		evicted := d.ring[d.head]
		d.member.Remove(evicted)
	} else {
		d.size++
	}
	d.ring[d.head] = h
	d.member.Add(h)
	d.head = (d.head + 1) % d.capacity
}

// Contains reports whether h is tracked as dead.
func (d *deadCache) Contains(h types.BlockHash) bool {
	return d.member.Contains(h)
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txpool holds transactions that have arrived but not yet been
// finalized into the persistent store, indexed by sender and nonce in the
// style of go-ethereum's core/txpool pending/queued split, adapted to this
// engine's Individual/Block origin and commit-point semantics (spec §4.12).
package txpool

import (
	"fmt"
	"sync"

	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/internal/metrics"
	"github.com/luxfi/konsensus/types"
)

// Origin records how a transaction entered the pool (spec §4.12).
type Origin uint8

const (
	// Individual transactions arrive directly from a client and must match
	// the sender's next-available nonce exactly.
	Individual Origin = iota
	// Block transactions arrive embedded in a received block and may carry
	// any nonce >= the sender's next-available nonce.
	Block
)

// Hash identifies a transaction by the hash of its wire bytes.
type Hash = merkle.Hash

// HashOf computes the pool's identifying hash for raw transaction bytes.
func HashOf(bytes []byte) Hash {
	return merkle.HashBytes(bytes)
}

// LiveStatus is a pool entry's bookkeeping (spec §4.12 "transaction table
// entry holds its LiveStatus").
type LiveStatus struct {
	Hash        Hash
	Sender      accountmap.Address
	Nonce       uint64
	Origin      Origin
	Bytes       []byte
	CommitPoint types.Round // highest round of any block seen containing this tx, 0 if none
}

// NonceSource resolves a sender's next-available nonce from the current
// focus block's state view (spec §4.12).
type NonceSource interface {
	NextAvailableNonce(sender accountmap.Address) (uint64, error)
}

// PersistentStore receives transactions that have been finalized and are
// leaving the live pool (spec §4.12 "moved to the persistent store").
type PersistentStore interface {
	Persist(ls *LiveStatus) error
}

// Pool is the live (non-finalized) transaction table.
type Pool struct {
	mu       sync.Mutex
	nonces   NonceSource
	byHash   map[Hash]*LiveStatus
	bySender map[accountmap.Address]map[uint64]*LiveStatus

	// Metrics, if set, tracks the pool's live size. Nil is a valid no-op
	// value.
	Metrics *metrics.Metrics
}

// NewPool creates an empty pool backed by nonces for next-available-nonce
// lookups.
func NewPool(nonces NonceSource) *Pool {
	return &Pool{
		nonces:   nonces,
		byHash:   make(map[Hash]*LiveStatus),
		bySender: make(map[accountmap.Address]map[uint64]*LiveStatus),
	}
}

func (p *Pool) setSizeMetric() {
	if p.Metrics != nil {
		p.Metrics.TxPoolSize.Set(float64(len(p.byHash)))
	}
}

// Submit admits a transaction per the Individual/Block nonce rules of
// spec §4.12.
func (p *Pool) Submit(origin Origin, bytes []byte, sender accountmap.Address, nonce uint64) (types.Verdict, error) {
	h := merkle.HashBytes(bytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[h]; ok {
		return types.Duplicate, nil
	}

	next, err := p.nonces.NextAvailableNonce(sender)
	if err != nil {
		return types.Unverifiable, err
	}

	if nonce < next {
		return types.Stale, nil
	}
	if origin == Individual && nonce > next {
		// Held: an Individual transaction may only execute at exactly the
		// next-available nonce, but spec §4.12 does not forbid buffering a
		// higher one for when earlier nonces arrive.
		ls := &LiveStatus{Hash: h, Sender: sender, Nonce: nonce, Origin: origin, Bytes: bytes}
		p.insertLocked(ls)
		return types.PendingBlock, nil
	}

	ls := &LiveStatus{Hash: h, Sender: sender, Nonce: nonce, Origin: origin, Bytes: bytes}
	p.insertLocked(ls)
	return types.Success, nil
}

func (p *Pool) insertLocked(ls *LiveStatus) {
	p.byHash[ls.Hash] = ls
	if p.bySender[ls.Sender] == nil {
		p.bySender[ls.Sender] = make(map[uint64]*LiveStatus)
	}
	p.bySender[ls.Sender][ls.Nonce] = ls
	p.setSizeMetric()
}

// MarkSeenInBlock raises h's commit point to round if round is higher than
// what is currently recorded (spec §4.12 "commit point equal to the highest
// round in which any block containing it has been seen").
func (p *Pool) MarkSeenInBlock(h Hash, round types.Round) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ls, ok := p.byHash[h]
	if !ok {
		return fmt.Errorf("txpool: unknown transaction %s", h)
	}
	if round > ls.CommitPoint {
		ls.CommitPoint = round
	}
	return nil
}

// Get returns the live entry for h, if any.
func (p *Pool) Get(h Hash) (*LiveStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, ok := p.byHash[h]
	return ls, ok
}

// Len returns the number of live transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// ReadyForSender returns sender's contiguous run of transactions starting
// at its next-available nonce, in nonce order, for inclusion in a baked
// block.
func (p *Pool) ReadyForSender(sender accountmap.Address) ([]*LiveStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.nonces.NextAvailableNonce(sender)
	if err != nil {
		return nil, err
	}
	queue := p.bySender[sender]
	var ready []*LiveStatus
	for {
		ls, ok := queue[next]
		if !ok {
			break
		}
		ready = append(ready, ls)
		next++
	}
	return ready, nil
}

// Finalize removes every hash in hashes from the live pool, persisting each
// one to store first (spec §4.12).
func (p *Pool) Finalize(store PersistentStore, hashes []Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range hashes {
		ls, ok := p.byHash[h]
		if !ok {
			continue
		}
		if store != nil {
			if err := store.Persist(ls); err != nil {
				return fmt.Errorf("txpool: persist %s: %w", h, err)
			}
		}
		delete(p.byHash, h)
		if senderQueue, ok := p.bySender[ls.Sender]; ok {
			delete(senderQueue, ls.Nonce)
			if len(senderQueue) == 0 {
				delete(p.bySender, ls.Sender)
			}
		}
	}
	p.setSizeMetric()
	return nil
}

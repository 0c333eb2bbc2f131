// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor defines the transaction-execution collaborator boundary
// (spec §1 Non-goals: "the engine only invokes an executor with
// (parent_state, transactions) → (new_state, outcomes) and consumes its
// success/failure"). This package never implements a virtual machine or fee
// schedule; it only defines the interface and a deterministic in-memory
// fake for tests, in the style of the teacher's chaintest/blocktest fakes.
package executor

import (
	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/internal/merkle"
)

// Result is the outcome of applying a batch of transactions to a parent
// state.
type Result struct {
	StateHash               merkle.Hash
	TransactionOutcomesHash merkle.Hash

	// CreatedAddresses lists the accounts this batch created, in the order
	// they were created. The tree-state engine inserts each into the
	// block's difference map so finalization can commit them to the
	// persistent account index (spec §4.5).
	CreatedAddresses []accountmap.Address
}

// Executor applies transactions to a parent state and reports the resulting
// state hash and outcomes hash, which the tree-state engine compares against
// the block's claimed `state_hash`/`transaction_outcomes_hash` (spec §4.7
// step 3).
type Executor interface {
	Execute(parentState merkle.Hash, transactions [][]byte) (Result, error)
}

// Fake is a deterministic in-memory Executor used by tests: it derives the
// next state hash from the parent hash and the transaction bytes, with no
// notion of accounts, fees, or contracts.
type Fake struct{}

// NewFake returns a deterministic fake executor.
func NewFake() *Fake { return &Fake{} }

// Execute implements Executor by folding the parent hash and each
// transaction through merkle.Combine. Each transaction is treated as
// creating exactly one account, whose address is derived from the
// transaction's hash, so callers can exercise the account-map wiring
// without a real virtual machine.
func (Fake) Execute(parentState merkle.Hash, transactions [][]byte) (Result, error) {
	state := parentState
	outcomes := merkle.Empty
	var created []accountmap.Address
	for _, tx := range transactions {
		txHash := merkle.HashBytes(tx)
		state = merkle.Combine(state, txHash)
		outcomes = merkle.Combine(outcomes, txHash)
		created = append(created, addressFromHash(txHash))
	}
	return Result{StateHash: state, TransactionOutcomesHash: outcomes, CreatedAddresses: created}, nil
}

func addressFromHash(h merkle.Hash) accountmap.Address {
	var a accountmap.Address
	copy(a[:], h[:])
	return a
}

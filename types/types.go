// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the scalar identity and result types shared across
// the KonsensusV1 tree-state and finalization engine (spec §3, §6).
package types

import (
	"fmt"

	"github.com/luxfi/ids"
)

// BlockHash identifies a block by the hash of its header hash combined with
// its quasi-block hash (spec §3).
type BlockHash = ids.ID

// FinalizerID identifies a member of the finalizer committee (spec §3).
type FinalizerID = ids.NodeID

// Round is a monotonically increasing round number within an epoch
// (spec §4.10).
type Round uint64

// Epoch is a monotonically increasing epoch number (spec §4.10).
type Epoch uint64

// Weight is a finalizer's voting stake (spec §4.8).
type Weight uint64

// Height is a block's chain height, the number of ancestors back to genesis.
type Height uint64

// Verdict is the closed set of outcomes an engine operation reports back to
// its caller (spec §6 Result codes). It is a plain enum, not an error value,
// matching the teacher's choices.Status / block.Status pattern: most verdicts
// are expected, steady-state outcomes rather than failures.
type Verdict uint8

const (
	// Success indicates the operation completed and advanced state.
	Success Verdict = iota
	// Duplicate indicates the input was already known and was a no-op.
	Duplicate
	// Stale indicates the input referenced a round/epoch already superseded.
	Stale
	// PendingBlock indicates the input is buffered awaiting its parent.
	PendingBlock
	// PendingFinalization indicates the input is buffered awaiting an
	// earlier finalization entry to land first.
	PendingFinalization
	// Invalid indicates the input failed structural or signature
	// validation and was rejected.
	Invalid
	// Unverifiable indicates the input could not be checked because a
	// required collaborator (executor, committee lookup) was unavailable.
	Unverifiable
	// ConsensusShutdown indicates the engine is no longer accepting input.
	ConsensusShutdown
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "Success"
	case Duplicate:
		return "Duplicate"
	case Stale:
		return "Stale"
	case PendingBlock:
		return "PendingBlock"
	case PendingFinalization:
		return "PendingFinalization"
	case Invalid:
		return "Invalid"
	case Unverifiable:
		return "Unverifiable"
	case ConsensusShutdown:
		return "ConsensusShutdown"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// Terminal reports whether v represents a final disposition of the input
// (no retry will change the outcome without new information arriving).
func (v Verdict) Terminal() bool {
	switch v {
	case Success, Duplicate, Invalid, ConsensusShutdown:
		return true
	default:
		return false
	}
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package finalization derives finalization entries from two chained
// quorum certificates and drives the resulting pruning sequence
// (spec §4.11).
package finalization

import (
	"fmt"

	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/types"
)

// Derive builds a FinalizationEntry witnessing that finalizedQC's block and
// all its ancestors become finalized, given successorQC for its immediate
// successor in the same epoch (spec §3, §4.11). successorProof is the
// opaque proof value the caller's hashing of
// H(header(round,epoch,finalized_hash) || successor_proof) must equal
// successorQC.BlockHash. Derive checks that successorQC's round is
// finalizedQC's round + 1 and that the epochs are equal; it stores
// successorProof as given, and neither this package nor
// chainblock.FinalizationEntry.Valid recomputes or checks that hash.
func Derive(finalizedQC, successorQC chainblock.QuorumCertificate, successorProof []byte) (*chainblock.FinalizationEntry, error) {
	if successorQC.Round != finalizedQC.Round+1 {
		return nil, fmt.Errorf("finalization: successor round %d is not finalized round %d + 1", successorQC.Round, finalizedQC.Round)
	}
	if successorQC.Epoch != finalizedQC.Epoch {
		return nil, fmt.Errorf("finalization: successor epoch %d differs from finalized epoch %d", successorQC.Epoch, finalizedQC.Epoch)
	}
	fe := &chainblock.FinalizationEntry{
		FinalizedQC:    finalizedQC,
		SuccessorQC:    successorQC,
		SuccessorProof: successorProof,
	}
	if !fe.Valid() {
		return nil, fmt.Errorf("finalization: derived entry fails structural check")
	}
	return fe, nil
}

// Pruner is implemented by the tree-state engine to carry out the mutation
// sequence of spec §4.11 once a finalization entry is derived. Each method
// corresponds to one numbered step.
type Pruner interface {
	// MarkDeadBelowHeight marks Dead all blocks at heights < finalized's
	// height that are not on the ancestor chain ending at finalized
	// (step 1).
	MarkDeadBelowHeight(finalized types.BlockHash) error
	// PruneSiblings marks Dead every branch sibling of the finalized chain
	// (step 2).
	PruneSiblings(finalized types.BlockHash) error
	// TrimEmptyLevels removes trailing empty levels from the branch list
	// (step 3).
	TrimEmptyLevels() error
	// FlushAndWriteAccounts flushes the block-state BufferedRef tree and
	// calls write_accounts_created for each newly finalized block in
	// increasing height order (step 4).
	FlushAndWriteAccounts(newlyFinalized []types.BlockHash) error
	// PurgePendingUpTo removes pending blocks with round <= round
	// (step 5).
	PurgePendingUpTo(round types.Round) error
	// DrainAwaitingLastFinalized runs the awaiting-last-finalized queue up
	// to height (step 6).
	DrainAwaitingLastFinalized(height types.Height) error
}

// Apply runs the full spec §4.11 pruning sequence for a newly derived
// finalization entry. newlyFinalized lists the finalized chain in
// increasing height order (the new block and every previously-unfinalized
// ancestor back to the prior finalized block).
func Apply(p Pruner, fe *chainblock.FinalizationEntry, newlyFinalized []types.BlockHash, finalizedHeight types.Height) error {
	finalizedBlock := fe.FinalizedQC.BlockHash

	if err := p.MarkDeadBelowHeight(finalizedBlock); err != nil {
		return fmt.Errorf("finalization: mark dead below height: %w", err)
	}
	if err := p.PruneSiblings(finalizedBlock); err != nil {
		return fmt.Errorf("finalization: prune siblings: %w", err)
	}
	if err := p.TrimEmptyLevels(); err != nil {
		return fmt.Errorf("finalization: trim empty levels: %w", err)
	}
	if err := p.FlushAndWriteAccounts(newlyFinalized); err != nil {
		return fmt.Errorf("finalization: flush and write accounts: %w", err)
	}
	if err := p.PurgePendingUpTo(fe.FinalizedQC.Round); err != nil {
		return fmt.Errorf("finalization: purge pending: %w", err)
	}
	if err := p.DrainAwaitingLastFinalized(finalizedHeight); err != nil {
		return fmt.Errorf("finalization: drain awaiting last finalized: %w", err)
	}
	return nil
}

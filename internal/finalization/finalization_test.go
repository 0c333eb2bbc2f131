// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package finalization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/types"
)

var errBoom = errors.New("boom")

// fakePruner records the order and arguments of every step Apply invokes,
// so tests can assert on the spec §4.11 sequence without a real tree-state.
type fakePruner struct {
	calls []string

	markDeadArg  types.BlockHash
	pruneArg     types.BlockHash
	flushArg     []types.BlockHash
	purgeArg     types.Round
	drainArg     types.Height

	failOn string
}

func (p *fakePruner) MarkDeadBelowHeight(finalized types.BlockHash) error {
	p.calls = append(p.calls, "mark_dead")
	p.markDeadArg = finalized
	return p.errIf("mark_dead")
}

func (p *fakePruner) PruneSiblings(finalized types.BlockHash) error {
	p.calls = append(p.calls, "prune_siblings")
	p.pruneArg = finalized
	return p.errIf("prune_siblings")
}

func (p *fakePruner) TrimEmptyLevels() error {
	p.calls = append(p.calls, "trim_levels")
	return p.errIf("trim_levels")
}

func (p *fakePruner) FlushAndWriteAccounts(newlyFinalized []types.BlockHash) error {
	p.calls = append(p.calls, "flush_accounts")
	p.flushArg = newlyFinalized
	return p.errIf("flush_accounts")
}

func (p *fakePruner) PurgePendingUpTo(round types.Round) error {
	p.calls = append(p.calls, "purge_pending")
	p.purgeArg = round
	return p.errIf("purge_pending")
}

func (p *fakePruner) DrainAwaitingLastFinalized(height types.Height) error {
	p.calls = append(p.calls, "drain_awaiting")
	p.drainArg = height
	return p.errIf("drain_awaiting")
}

func (p *fakePruner) errIf(step string) error {
	if p.failOn == step {
		return errBoom
	}
	return nil
}

func TestDeriveBuildsValidEntry(t *testing.T) {
	require := require.New(t)

	finalizedQC := chainblock.QuorumCertificate{
		BlockHash: types.BlockHash{0x01},
		Round:     5,
		Epoch:     1,
	}
	successorQC := chainblock.QuorumCertificate{
		BlockHash: types.BlockHash{0x02},
		Round:     6,
		Epoch:     1,
	}

	fe, err := Derive(finalizedQC, successorQC, []byte("proof"))
	require.NoError(err)
	require.Equal(finalizedQC, fe.FinalizedQC)
	require.Equal(successorQC, fe.SuccessorQC)
	require.Equal([]byte("proof"), fe.SuccessorProof)
}

func TestDeriveRejectsNonSuccessiveRound(t *testing.T) {
	require := require.New(t)

	finalizedQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x01}, Round: 5, Epoch: 1}
	successorQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x02}, Round: 7, Epoch: 1}

	_, err := Derive(finalizedQC, successorQC, nil)
	require.Error(err)
}

func TestDeriveRejectsEpochMismatch(t *testing.T) {
	require := require.New(t)

	finalizedQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x01}, Round: 5, Epoch: 1}
	successorQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x02}, Round: 6, Epoch: 2}

	_, err := Derive(finalizedQC, successorQC, nil)
	require.Error(err)
}

// TestApplyRunsStepsInOrder checks the spec §4.11 pruning sequence runs its
// six steps in the documented order with the documented arguments.
func TestApplyRunsStepsInOrder(t *testing.T) {
	require := require.New(t)

	finalizedQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x01}, Round: 5, Epoch: 1}
	successorQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x02}, Round: 6, Epoch: 1}
	fe, err := Derive(finalizedQC, successorQC, nil)
	require.NoError(err)

	newlyFinalized := []types.BlockHash{{0xAA}, {0x01}}
	p := &fakePruner{}

	err = Apply(p, fe, newlyFinalized, types.Height(9))
	require.NoError(err)

	require.Equal([]string{
		"mark_dead",
		"prune_siblings",
		"trim_levels",
		"flush_accounts",
		"purge_pending",
		"drain_awaiting",
	}, p.calls)
	require.Equal(finalizedQC.BlockHash, p.markDeadArg)
	require.Equal(finalizedQC.BlockHash, p.pruneArg)
	require.Equal(newlyFinalized, p.flushArg)
	require.Equal(finalizedQC.Round, p.purgeArg)
	require.Equal(types.Height(9), p.drainArg)
}

func TestApplyStopsAtFirstFailingStep(t *testing.T) {
	require := require.New(t)

	finalizedQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x01}, Round: 5, Epoch: 1}
	successorQC := chainblock.QuorumCertificate{BlockHash: types.BlockHash{0x02}, Round: 6, Epoch: 1}
	fe, err := Derive(finalizedQC, successorQC, nil)
	require.NoError(err)

	p := &fakePruner{failOn: "trim_levels"}
	err = Apply(p, fe, nil, 0)
	require.Error(err)
	require.Equal([]string{"mark_dead", "prune_siblings", "trim_levels"}, p.calls)
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roundepoch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/konsensus/config"
	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/merkle"
)

func TestAdvanceRoundOnQCResetsTimeoutBackoff(t *testing.T) {
	require := require.New(t)

	d := New(config.TestParams(), chainblock.QuorumCertificate{}, merkle.Empty)
	d.AdvanceRound(1, Evidence{TC: &chainblock.TimeoutCertificate{}})
	require.Equal(1, d.consecutiveTimeouts)

	qc := &chainblock.QuorumCertificate{Round: 1}
	d.AdvanceRound(2, Evidence{QC: qc})
	require.Equal(0, d.consecutiveTimeouts)
	require.EqualValues(2, d.Status().CurrentRound)
	require.Nil(d.Status().PreviousRoundTC)
}

func TestTimeoutDurationGrowsWithConsecutiveTimeouts(t *testing.T) {
	require := require.New(t)

	d := New(config.TestParams(), chainblock.QuorumCertificate{}, merkle.Empty)
	base := d.TimeoutDuration()

	d.AdvanceRound(1, Evidence{TC: &chainblock.TimeoutCertificate{}})
	grown := d.TimeoutDuration()

	require.Greater(grown, base)
}

// Property 7: current_round and current_epoch are non-decreasing
// (spec §8.7).
func TestRoundMonotonicity(t *testing.T) {
	require := require.New(t)

	d := New(config.TestParams(), chainblock.QuorumCertificate{}, merkle.Empty)
	prevRound := d.Status().CurrentRound
	for i := uint64(1); i <= 10; i++ {
		d.AdvanceRound(prevRound+1, Evidence{QC: &chainblock.QuorumCertificate{}})
		require.GreaterOrEqual(d.Status().CurrentRound, prevRound)
		prevRound = d.Status().CurrentRound
	}
}

func TestApplyEpochChangeDerivesNewNonce(t *testing.T) {
	require := require.New(t)

	d := New(config.TestParams(), chainblock.QuorumCertificate{}, merkle.Empty)
	before := d.Status().LeadershipElectionNonce

	fe := &chainblock.FinalizationEntry{
		FinalizedQC: chainblock.QuorumCertificate{BlockHash: merkle.HashBytes([]byte("b1"))},
	}
	d.ApplyEpochChange(1, fe)

	require.NotEqual(before, d.Status().LeadershipElectionNonce)
	require.EqualValues(1, d.Status().CurrentEpoch)
}

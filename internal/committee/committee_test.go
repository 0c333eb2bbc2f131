// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committee

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/types"
)

func nodeID(b byte) types.FinalizerID {
	var id ids.NodeID
	id[0] = b
	return id
}

func testCommittee() *Committee {
	return New(1, []Member{
		{ID: nodeID(1), Weight: 10},
		{ID: nodeID(2), Weight: 20},
		{ID: nodeID(3), Weight: 30},
	})
}

func TestLeaderIsDeterministic(t *testing.T) {
	require := require.New(t)
	c := testCommittee()
	nonce := merkle.HashBytes([]byte("epoch-nonce"))

	m1, err := c.Leader(nonce, 5)
	require.NoError(err)
	m2, err := c.Leader(nonce, 5)
	require.NoError(err)
	require.Equal(m1.ID, m2.ID)
}

func TestLeaderVariesByRound(t *testing.T) {
	c := testCommittee()
	nonce := merkle.HashBytes([]byte("epoch-nonce"))

	seen := map[types.FinalizerID]bool{}
	for r := types.Round(0); r < 20; r++ {
		m, err := c.Leader(nonce, r)
		require.NoError(t, err)
		seen[m.ID] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestWeightOfSetSumsSelectedMembers(t *testing.T) {
	require := require.New(t)
	c := testCommittee()

	// bit 0 and bit 2 set -> members at index 0 and 2
	set := []byte{0b0000_0101}
	require.EqualValues(10+30, c.WeightOfSet(set))
}

func TestContainsAndWeight(t *testing.T) {
	require := require.New(t)
	c := testCommittee()

	require.True(c.Contains(nodeID(2)))
	w, ok := c.Weight(nodeID(2))
	require.True(ok)
	require.EqualValues(20, w)

	require.False(c.Contains(nodeID(99)))
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/types"
)

type testFinalizer struct {
	id  types.FinalizerID
	sk  *bls.PrivateKey
	pk  *bls.PublicKey
}

func newTestCommittee(t *testing.T, n int) (*committee.Committee, []testFinalizer) {
	t.Helper()
	finalizers := make([]testFinalizer, n)
	members := make([]committee.Member, n)
	for i := 0; i < n; i++ {
		var seed [32]byte
		seed[0] = byte(i + 1)
		sk, pk, err := bls.GenerateKeyPairFromSeed(seed[:])
		require.NoError(t, err)

		var nodeID ids.NodeID
		nodeID[0] = byte(i + 1)

		finalizers[i] = testFinalizer{id: nodeID, sk: sk, pk: pk}
		members[i] = committee.Member{ID: nodeID, Weight: 10, PublicKey: pk}
	}
	return committee.New(1, members), finalizers
}

func sign(t *testing.T, f testFinalizer, genesisHash, blockHash types.BlockHash) []byte {
	t.Helper()
	msg := chainblock.QuorumSigningMessage(genesisHash, blockHash)
	return f.sk.Sign(msg).Bytes()
}

// S1 (partial): all finalizers sign a quorum message for block B1; expect a
// QC to form once the signature threshold is crossed (spec §8 S1, §4.8).
func TestQuorumFormsQCAtThreshold(t *testing.T) {
	require := require.New(t)

	genesis := types.BlockHash{0xAA}
	blockHash := types.BlockHash{0xBB}
	cmt, finalizers := newTestCommittee(t, 3)

	agg := NewAggregator(genesis, 2.0/3.0, 1, 1)

	target := TargetInfo{State: TargetAlive, Round: 1, Epoch: 1}

	var qc *chainblock.QuorumCertificate
	for _, f := range finalizers {
		qm := Message{
			Signer:    f.id,
			BlockHash: blockHash,
			Round:     1,
			Epoch:     1,
			Signature: sign(t, f, genesis, blockHash),
		}
		verdict, _, formed, err := agg.Receive(qm, false, 1, 1, cmt, target)
		require.NoError(err)
		require.Equal(Accepted, verdict)
		if formed != nil {
			qc = formed
		}
	}

	require.NotNil(qc)
	require.Equal(blockHash, qc.BlockHash)
}

// S3: double signing is accepted but flagged, not fatal (spec §8 S3).
func TestDoubleSigningIsFlaggedNotRejected(t *testing.T) {
	require := require.New(t)

	genesis := types.BlockHash{0xAA}
	b1 := types.BlockHash{0x01}
	b1Prime := types.BlockHash{0x02}
	cmt, finalizers := newTestCommittee(t, 3)
	f := finalizers[0]

	agg := NewAggregator(genesis, 2.0/3.0, 1, 1)
	target := TargetInfo{State: TargetAlive, Round: 1, Epoch: 1}

	qm1 := Message{Signer: f.id, BlockHash: b1, Round: 1, Epoch: 1, Signature: sign(t, f, genesis, b1)}
	verdict, flag, _, err := agg.Receive(qm1, false, 1, 1, cmt, target)
	require.NoError(err)
	require.Equal(Accepted, verdict)
	require.Equal(NoFlag, flag)

	qm2 := Message{Signer: f.id, BlockHash: b1Prime, Round: 1, Epoch: 1, Signature: sign(t, f, genesis, b1Prime)}
	verdict, flag, _, err = agg.Receive(qm2, false, 1, 1, cmt, target)
	require.NoError(err)
	require.Equal(Accepted, verdict)
	require.Equal(DoubleSigning, flag)
}

func TestNotAFinalizerRejected(t *testing.T) {
	require := require.New(t)

	genesis := types.BlockHash{0xAA}
	blockHash := types.BlockHash{0xBB}
	cmt, _ := newTestCommittee(t, 3)

	agg := NewAggregator(genesis, 2.0/3.0, 1, 1)
	target := TargetInfo{State: TargetAlive, Round: 1, Epoch: 1}

	var outsider ids.NodeID
	outsider[0] = 99

	qm := Message{Signer: outsider, BlockHash: blockHash, Round: 1, Epoch: 1, Signature: []byte{0x00}}
	verdict, _, formed, err := agg.Receive(qm, false, 1, 1, cmt, target)
	require.NoError(err)
	require.Equal(NotAFinalizer, verdict)
	require.Nil(formed)
}

func TestObsoleteRoundRejected(t *testing.T) {
	require := require.New(t)

	genesis := types.BlockHash{0xAA}
	blockHash := types.BlockHash{0xBB}
	cmt, finalizers := newTestCommittee(t, 3)

	agg := NewAggregator(genesis, 2.0/3.0, 5, 1)
	target := TargetInfo{State: TargetAlive, Round: 3, Epoch: 1}

	qm := Message{Signer: finalizers[0].id, BlockHash: blockHash, Round: 3, Epoch: 1, Signature: sign(t, finalizers[0], genesis, blockHash)}
	verdict, _, _, err := agg.Receive(qm, false, 1, 5, cmt, target)
	require.NoError(err)
	require.Equal(ObsoleteRound, verdict)
}

func TestConsensusShutdownShortCircuits(t *testing.T) {
	require := require.New(t)

	genesis := types.BlockHash{0xAA}
	cmt, finalizers := newTestCommittee(t, 1)
	agg := NewAggregator(genesis, 2.0/3.0, 1, 1)

	qm := Message{Signer: finalizers[0].id, Round: 1, Epoch: 1}
	verdict, _, _, err := agg.Receive(qm, true, 1, 1, cmt, TargetInfo{})
	require.NoError(err)
	require.Equal(ConsensusShutdown, verdict)
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package treestate

import (
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/konsensus/choices"
	"github.com/luxfi/konsensus/config"
	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/internal/executor"
	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/internal/quorum"
	"github.com/luxfi/konsensus/types"
)

type fixture struct {
	cmt     *committee.Committee
	signers []types.FinalizerID
	keys    map[types.FinalizerID]*bls.PrivateKey
	exec    executor.Executor
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	members := make([]committee.Member, n)
	signers := make([]types.FinalizerID, n)
	keys := make(map[types.FinalizerID]*bls.PrivateKey, n)
	for i := 0; i < n; i++ {
		var seed [32]byte
		seed[0] = byte(i + 1)
		sk, pk, err := bls.GenerateKeyPairFromSeed(seed[:])
		require.NoError(t, err)

		var id ids.NodeID
		id[0] = byte(i + 1)

		members[i] = committee.Member{ID: id, Weight: 10, PublicKey: pk}
		signers[i] = id
		keys[id] = sk
	}
	return &fixture{cmt: committee.New(0, members), signers: signers, keys: keys, exec: executor.NewFake()}
}

// signedQuorum builds a quorum.Message for signer voting for blockHash at
// (round, epoch), signed against genesisHash per chainblock's quorum signing
// domain.
func (f *fixture) signedQuorum(t *testing.T, genesisHash, blockHash types.BlockHash, round types.Round, epoch types.Epoch, signer types.FinalizerID) quorum.Message {
	t.Helper()
	sig := f.keys[signer].Sign(chainblock.QuorumSigningMessage(genesisHash, blockHash))
	return quorum.Message{
		Signer:    signer,
		BlockHash: blockHash,
		Round:     round,
		Epoch:     epoch,
		Signature: sig.Bytes(),
	}
}

// signedChild builds, executes, and signs a block extending parent at
// round = parent.Round+1, choosing the leader as determined by nonce.
func (f *fixture) signedChild(t *testing.T, parent *chainblock.Block, nonce merkle.Hash, txs [][]byte) *chainblock.Block {
	t.Helper()
	round := parent.Round + 1

	leader, err := f.cmt.Leader(nonce, round)
	require.NoError(t, err)
	idx, ok := f.cmt.BitIndex(leader.ID)
	require.True(t, ok)

	result, err := f.exec.Execute(parent.StateHash, txs)
	require.NoError(t, err)

	b := &chainblock.Block{
		Round:   round,
		Epoch:   parent.Epoch,
		BakerID: uint64(idx),
		ParentQC: chainblock.QuorumCertificate{
			BlockHash: parent.Hash(),
			Round:     parent.Round,
			Epoch:     parent.Epoch,
		},
		Transactions:            txs,
		StateHash:               result.StateHash,
		TransactionOutcomesHash: result.TransactionOutcomesHash,
	}

	sk := f.keys[leader.ID]
	sig := sk.Sign(chainblock.BlockSigningMessage(b.Hash()))
	b.Signature = sig.Bytes()
	return b
}

func TestReceiveBlockAdmitsValidChild(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	genesis := &chainblock.Block{}
	st := New(config.TestParams(), f.cmt, f.exec, genesis)

	nonce := st.round.Status().LeadershipElectionNonce
	b1 := f.signedChild(t, genesis, nonce, [][]byte{[]byte("tx1")})

	verdict, err := st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Success, verdict)
	require.Equal(choices.Alive, st.BlockState(b1.Hash()))
}

func TestReceiveBlockRejectsDuplicate(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	genesis := &chainblock.Block{}
	st := New(config.TestParams(), f.cmt, f.exec, genesis)
	nonce := st.round.Status().LeadershipElectionNonce
	b1 := f.signedChild(t, genesis, nonce, nil)

	verdict, err := st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	verdict, err = st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Duplicate, verdict)
}

// S4: a block arrives before its parent; it is buffered Pending, and once
// the parent is delivered both become Alive in order (spec §8 S4).
func TestPendingParentResolvesInOrder(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	genesis := &chainblock.Block{}
	st := New(config.TestParams(), f.cmt, f.exec, genesis)
	nonce := st.round.Status().LeadershipElectionNonce

	b1 := f.signedChild(t, genesis, nonce, nil)
	b2 := f.signedChild(t, b1, nonce, nil)

	verdict, err := st.ReceiveBlock(b2)
	require.NoError(err)
	require.Equal(types.PendingBlock, verdict)
	require.Equal(choices.Pending, st.BlockState(b2.Hash()))

	verdict, err = st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	require.Equal(choices.Alive, st.BlockState(b1.Hash()))
	require.Equal(choices.Alive, st.BlockState(b2.Hash()))
}

func TestReceiveBlockRejectsWrongLeader(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	genesis := &chainblock.Block{}
	st := New(config.TestParams(), f.cmt, f.exec, genesis)
	nonce := st.round.Status().LeadershipElectionNonce
	b1 := f.signedChild(t, genesis, nonce, nil)
	b1.BakerID = (b1.BakerID + 1) % 3

	verdict, err := st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Invalid, verdict)
}

// S1: two chained QCs alone finalize the older block and persist its
// created accounts, with no block ever carrying an explicit
// FinalizationEntry (spec §4.11 scenario S1, §4.5).
func TestChainedQCsFinalizeAndPersistAccounts(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	db := memdb.New()
	accounts := accountmap.NewStore(db)

	genesis := &chainblock.Block{}
	genesisHash := genesis.Hash()
	st := New(config.TestParams(), f.cmt, f.exec, genesis)
	st.Accounts = accounts
	nonce := st.round.Status().LeadershipElectionNonce

	b1 := f.signedChild(t, genesis, nonce, [][]byte{[]byte("tx1")})
	verdict, err := st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	b2 := f.signedChild(t, b1, nonce, nil)
	verdict, err = st.ReceiveBlock(b2)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	result, err := f.exec.Execute(genesis.StateHash, b1.Transactions)
	require.NoError(err)
	require.Len(result.CreatedAddresses, 1)

	for _, id := range f.signers {
		_, _, err := st.ReceiveQuorumMessage(f.signedQuorum(t, genesisHash, b1.Hash(), b1.Round, b1.Epoch, id))
		require.NoError(err)
	}
	require.Equal(choices.Alive, st.BlockState(b1.Hash()))

	for _, id := range f.signers {
		_, _, err := st.ReceiveQuorumMessage(f.signedQuorum(t, genesisHash, b2.Hash(), b2.Round, b2.Epoch, id))
		require.NoError(err)
	}

	require.Equal(choices.Finalized, st.BlockState(b1.Hash()))
	require.Equal(types.Height(1), st.FinalizedHeight())

	idx, ok, err := accounts.Get(result.CreatedAddresses[0])
	require.NoError(err)
	require.True(ok)
	require.Equal(accountmap.Index(0), idx)
}

// S3: a quorum vote for a block still buffered as Pending is accumulated but
// tagged ReceivedNoRelay, since the node has not itself vouched for a block
// it hasn't admitted yet (spec §4.8, §7 scenario S3).
func TestQuorumVoteForPendingBlockTaggedReceivedNoRelay(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	genesis := &chainblock.Block{}
	genesisHash := genesis.Hash()
	st := New(config.TestParams(), f.cmt, f.exec, genesis)
	nonce := st.round.Status().LeadershipElectionNonce

	b1 := f.signedChild(t, genesis, nonce, nil)
	b2 := f.signedChild(t, b1, nonce, nil)

	verdict, err := st.ReceiveBlock(b2)
	require.NoError(err)
	require.Equal(types.PendingBlock, verdict)

	qv, flag, err := st.ReceiveQuorumMessage(f.signedQuorum(t, genesisHash, b2.Hash(), b2.Round, b2.Epoch, f.signers[0]))
	require.NoError(err)
	require.Equal(quorum.Accepted, qv)
	require.Equal(quorum.ReceivedNoRelay, flag)
}

// Once shut down, a Node's tree state rejects further quorum messages with
// ConsensusShutdown instead of aggregating them (spec §5).
func TestShutdownRejectsQuorumMessages(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, 3)

	genesis := &chainblock.Block{}
	genesisHash := genesis.Hash()
	st := New(config.TestParams(), f.cmt, f.exec, genesis)
	nonce := st.round.Status().LeadershipElectionNonce
	b1 := f.signedChild(t, genesis, nonce, nil)

	verdict, err := st.ReceiveBlock(b1)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	st.Shutdown()

	qv, _, err := st.ReceiveQuorumMessage(f.signedQuorum(t, genesisHash, b1.Hash(), b1.Round, b1.Epoch, f.signers[0]))
	require.NoError(err)
	require.Equal(quorum.ConsensusShutdown, qv)
}

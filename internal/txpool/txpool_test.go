// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/types"
)

type fixedNonces map[accountmap.Address]uint64

func (f fixedNonces) NextAvailableNonce(sender accountmap.Address) (uint64, error) {
	return f[sender], nil
}

type fakeStore struct {
	persisted []*LiveStatus
}

func (s *fakeStore) Persist(ls *LiveStatus) error {
	s.persisted = append(s.persisted, ls)
	return nil
}

func addr(b byte) accountmap.Address {
	var a accountmap.Address
	a[0] = b
	return a
}

func TestSubmitIndividualAtNextNonceSucceeds(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	verdict, err := p.Submit(Individual, []byte("tx-a"), addr(1), 5)
	require.NoError(err)
	require.Equal(types.Success, verdict)
	require.Equal(1, p.Len())
}

func TestSubmitIndividualBelowNextNonceIsStale(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	verdict, err := p.Submit(Individual, []byte("tx-a"), addr(1), 4)
	require.NoError(err)
	require.Equal(types.Stale, verdict)
}

func TestSubmitIndividualAboveNextNonceIsHeldPending(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	verdict, err := p.Submit(Individual, []byte("tx-a"), addr(1), 7)
	require.NoError(err)
	require.Equal(types.PendingBlock, verdict)
	require.Equal(1, p.Len())
}

func TestSubmitBlockAcceptsAnyNonceAtOrAboveNext(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	verdict, err := p.Submit(Block, []byte("tx-a"), addr(1), 9)
	require.NoError(err)
	require.Equal(types.Success, verdict)
}

func TestSubmitDuplicateIsIgnored(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	verdict, err := p.Submit(Individual, []byte("tx-a"), addr(1), 5)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	verdict, err = p.Submit(Individual, []byte("tx-a"), addr(1), 5)
	require.NoError(err)
	require.Equal(types.Duplicate, verdict)
	require.Equal(1, p.Len())
}

func TestReadyForSenderReturnsContiguousRun(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	_, err := p.Submit(Block, []byte("tx-5"), addr(1), 5)
	require.NoError(err)
	_, err = p.Submit(Block, []byte("tx-6"), addr(1), 6)
	require.NoError(err)
	_, err = p.Submit(Block, []byte("tx-8"), addr(1), 8) // gap at 7
	require.NoError(err)

	ready, err := p.ReadyForSender(addr(1))
	require.NoError(err)
	require.Len(ready, 2)
	require.EqualValues(5, ready[0].Nonce)
	require.EqualValues(6, ready[1].Nonce)
}

func TestFinalizeMovesToPersistentStoreAndRemovesFromPool(t *testing.T) {
	require := require.New(t)
	nonces := fixedNonces{addr(1): 5}
	p := NewPool(nonces)

	verdict, err := p.Submit(Block, []byte("tx-a"), addr(1), 5)
	require.NoError(err)
	require.Equal(types.Success, verdict)

	h := HashOf([]byte("tx-a"))
	require.NoError(p.MarkSeenInBlock(h, 10))

	store := &fakeStore{}
	require.NoError(p.Finalize(store, []Hash{h}))

	require.Equal(0, p.Len())
	require.Len(store.persisted, 1)
	require.EqualValues(10, store.persisted[0].CommitPoint)

	_, ok := p.Get(h)
	require.False(ok)
}

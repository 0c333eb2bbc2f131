// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func addr(b byte) Address {
	var a Address
	a[0] = b
	return a
}

// S5: difference-map fall-through (spec §8 S5). a1 created in block B1 (not
// finalized), a2 created in B2 (child of B1). Lookup a1 from B2's state
// sees B1's difference map; lookup a3 falls through to the persistent
// store and returns not-found.
func TestDifferenceMapFallThrough(t *testing.T) {
	require := require.New(t)

	db := newMemDB()
	store := NewStore(db)
	size := func() uint64 { return 100 }

	dmB1 := NewDifferenceMap(store, nil, size)
	dmB1.Insert(addr(1), 10)

	dmB2 := NewDifferenceMap(store, dmB1, size)
	dmB2.Insert(addr(2), 11)

	idx, ok, err := dmB2.Lookup(addr(1))
	require.NoError(err)
	require.True(ok)
	require.EqualValues(10, idx)

	_, ok, err = dmB2.Lookup(addr(3))
	require.NoError(err)
	require.False(ok)
}

func TestFlattenOrdersByAddressAscending(t *testing.T) {
	require := require.New(t)

	db := newMemDB()
	store := NewStore(db)
	size := func() uint64 { return 100 }

	dmB1 := NewDifferenceMap(store, nil, size)
	dmB1.Insert(addr(5), 1)

	dmB2 := NewDifferenceMap(store, dmB1, size)
	dmB2.Insert(addr(2), 2)
	dmB2.Insert(addr(9), 3)

	flat := dmB2.Flatten()
	require.Len(flat, 3)
	require.Equal(addr(2), flat[0].Addr)
	require.Equal(addr(5), flat[1].Addr)
	require.Equal(addr(9), flat[2].Addr)
}

// Property 8: after write_accounts_created for a finalized block, every
// (addr,index) previously reachable via its difference-map chain is present
// in the persistent store (spec §8.8).
func TestWriteAccountsCreatedPersistsFlattenedChain(t *testing.T) {
	require := require.New(t)

	db := newMemDB()
	store := NewStore(db)
	size := func() uint64 { return 100 }

	dmB1 := NewDifferenceMap(store, nil, size)
	dmB1.Insert(addr(1), 10)
	dmB2 := NewDifferenceMap(store, dmB1, size)
	dmB2.Insert(addr(2), 20)

	require.NoError(dmB2.WriteAccountsCreated(db))

	idx, ok, err := store.Get(addr(1))
	require.NoError(err)
	require.True(ok)
	require.EqualValues(10, idx)

	idx, ok, err = store.Get(addr(2))
	require.NoError(err)
	require.True(ok)
	require.EqualValues(20, idx)

	// the chain cell is cleared after finalization
	require.Nil(dmB2.parent.Load())
}

func TestBoundsCheckGuardsAgainstRollback(t *testing.T) {
	require := require.New(t)

	db := newMemDB()
	store := NewStore(db)
	size := func() uint64 { return 5 }

	dm := NewDifferenceMap(store, nil, size)
	dm.Insert(addr(1), 100) // beyond current size

	_, ok, err := dm.Lookup(addr(1))
	require.NoError(err)
	require.False(ok)
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committee

import (
	"fmt"
	"sort"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/validators"

	"github.com/luxfi/konsensus/types"
)

// PublicKeyLookup resolves a finalizer's BLS public key. github.com/luxfi/
// validators.State reports weights only, not keys, so the committee builder
// takes this alongside it (spec §4.7 "leader eligibility ... matches
// round-leader derived from ... stake", which requires both).
type PublicKeyLookup interface {
	PublicKey(nodeID ids.NodeID) (*bls.PublicKey, error)
}

// FromValidatorState builds a Committee for epoch from a
// github.com/luxfi/validators.State snapshot at height, mirroring the shape
// this package's Committee was already grounded on.
func FromValidatorState(epoch types.Epoch, height uint64, subnetID ids.ID, state validators.State, keys PublicKeyLookup) (*Committee, error) {
	weights, err := state.GetValidatorSet(height, subnetID)
	if err != nil {
		return nil, fmt.Errorf("committee: get validator set: %w", err)
	}

	ids := make([]ids.NodeID, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })

	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		pk, err := keys.PublicKey(id)
		if err != nil {
			return nil, fmt.Errorf("committee: public key for %s: %w", id, err)
		}
		members = append(members, Member{ID: id, Weight: types.Weight(weights[id]), PublicKey: pk})
	}
	return New(epoch, members), nil
}

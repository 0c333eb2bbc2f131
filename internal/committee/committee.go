// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committee resolves the finalizer committee and its stake weights
// for an epoch, and implements the deterministic stake-weighted leader
// election draw (spec §4.7, §4.10, §9 Open Question).
package committee

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/luxfi/crypto/bls"

	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/types"
)

// Member is one finalizer's identity, stake weight, and BLS public key.
type Member struct {
	ID        types.FinalizerID
	Weight    types.Weight
	PublicKey *bls.PublicKey
}

// Committee is the ordered, immutable finalizer set for one epoch, mirroring
// the shape of github.com/luxfi/validators.State/Manager (GetValidatorSet,
// GetWeight, TotalWeight).
type Committee struct {
	epoch   types.Epoch
	members []Member
	index   map[types.FinalizerID]int
	total   types.Weight
}

// New builds a Committee for epoch from members, sorted by ID for
// deterministic bit-vector indexing (spec §3 "finalizer_set is a bit-vector
// over the current epoch's committee").
func New(epoch types.Epoch, members []Member) *Committee {
	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		return idLess(sorted[i].ID, sorted[j].ID)
	})

	idx := make(map[types.FinalizerID]int, len(sorted))
	var total types.Weight
	for i, m := range sorted {
		idx[m.ID] = i
		total += m.Weight
	}

	return &Committee{epoch: epoch, members: sorted, index: idx, total: total}
}

func idLess(a, b types.FinalizerID) bool {
	ab, bb := a.Bytes(), b.Bytes()
	for i := range ab {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}

// Epoch returns the epoch this committee is valid for.
func (c *Committee) Epoch() types.Epoch { return c.epoch }

// Size returns the number of committee members.
func (c *Committee) Size() int { return len(c.members) }

// TotalWeight returns the sum of all member weights.
func (c *Committee) TotalWeight() types.Weight { return c.total }

// Contains reports whether id is a finalizer of this committee (spec §4.8
// "NotAFinalizer" check).
func (c *Committee) Contains(id types.FinalizerID) bool {
	_, ok := c.index[id]
	return ok
}

// Weight returns id's stake weight, or (0, false) if id is not a member.
func (c *Committee) Weight(id types.FinalizerID) (types.Weight, bool) {
	i, ok := c.index[id]
	if !ok {
		return 0, false
	}
	return c.members[i].Weight, true
}

// BitIndex returns id's position in the finalizer-set bit-vector.
func (c *Committee) BitIndex(id types.FinalizerID) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// MemberAt returns the member at bit-vector position i.
func (c *Committee) MemberAt(i int) (Member, error) {
	if i < 0 || i >= len(c.members) {
		return Member{}, fmt.Errorf("committee: index %d out of range (size %d)", i, len(c.members))
	}
	return c.members[i], nil
}

// WeightOfSet sums the weights of members whose bit is set in a canonical
// finalizer-set bit-vector (spec §3).
func (c *Committee) WeightOfSet(finalizerSet []byte) types.Weight {
	var total types.Weight
	bits := len(finalizerSet) * 8
	for i := 0; i < bits && i < len(c.members); i++ {
		byteIdx := len(finalizerSet) - 1 - i/8
		bitIdx := uint(i % 8)
		if finalizerSet[byteIdx]&(1<<bitIdx) != 0 {
			total += c.members[i].Weight
		}
	}
	return total
}

// PublicKeys returns the BLS public keys of the members whose bit is set,
// for aggregate signature verification (spec §4.8).
func (c *Committee) PublicKeys(finalizerSet []byte) []*bls.PublicKey {
	var keys []*bls.PublicKey
	bits := len(finalizerSet) * 8
	for i := 0; i < bits && i < len(c.members); i++ {
		byteIdx := len(finalizerSet) - 1 - i/8
		bitIdx := uint(i % 8)
		if finalizerSet[byteIdx]&(1<<bitIdx) != 0 {
			keys = append(keys, c.members[i].PublicKey)
		}
	}
	return keys
}

// Leader returns the deterministic stake-weighted draw for round, resolving
// spec §9's open question:
//
//	leader(nonce, round) = committee[weightedIndex(H(nonce || round),
//	    committee.totalWeight)]
func (c *Committee) Leader(nonce merkle.Hash, round types.Round) (Member, error) {
	if len(c.members) == 0 {
		return Member{}, fmt.Errorf("committee: empty committee")
	}
	seed := sha256.Sum256(append(append([]byte(nil), nonce[:]...), encodeRound(round)...))
	draw := binary.BigEndian.Uint64(seed[:8]) % uint64(c.total)

	var cumulative types.Weight
	for _, m := range c.members {
		cumulative += m.Weight
		if draw < uint64(cumulative) {
			return m, nil
		}
	}
	// unreachable unless total is inconsistent with member weights
	return c.members[len(c.members)-1], nil
}

func encodeRound(r types.Round) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(r))
	return buf
}

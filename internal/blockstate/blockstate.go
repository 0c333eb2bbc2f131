// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blockstate composes the persistent sub-states (accounts,
// instances, modules, bakers, bank, updates, identity providers, anonymity
// revokers, release schedule) into a single hashed state root
// (spec §3, §4.6).
package blockstate

import (
	"github.com/luxfi/konsensus/internal/merkle"
)

// Component names the nine children combined into the state root, in the
// fixed order of spec §4.6:
// Merkle(H(birk), H(crypto_params), H(identity_providers),
//
//	H(anonymity_revokers), H(modules), H(bank), H(accounts),
//	H(instances), H(updates)).
type Component int

const (
	Birk Component = iota
	CryptographicParameters
	IdentityProviders
	AnonymityRevokers
	Modules
	Bank
	Accounts
	Instances
	Updates
	numComponents
)

// Root is the Merkle composition of the nine sub-state hashes. Each child
// is a HashedBufferedRef in the full implementation so the root is
// computable without loading payloads (spec §4.6); here the hashes are
// supplied directly by the owning components.
type Root struct {
	components [numComponents]merkle.Hash
}

// NewRoot builds a Root from the component hashes.
func NewRoot(components [numComponents]merkle.Hash) *Root {
	return &Root{components: components}
}

// With returns a new Root with a single component hash replaced.
func (r *Root) With(c Component, h merkle.Hash) *Root {
	next := *r
	next.components[c] = h
	return &next
}

// Components returns the nine component hashes in their fixed composition
// order, for codecs that need to serialize a Root (spec §4.2, §4.6).
func (r *Root) Components() [numComponents]merkle.Hash {
	return r.components
}

// Hash computes the balanced Merkle combination over the nine components,
// in the fixed order of spec §4.6.
func (r *Root) Hash() merkle.Hash {
	// Balanced pairwise combination: ((0,1),(2,3)) , ((4,5),(6,7)) , 8
	c := r.components
	left := merkle.Combine(merkle.Combine(c[Birk], c[CryptographicParameters]), merkle.Combine(c[IdentityProviders], c[AnonymityRevokers]))
	mid := merkle.Combine(merkle.Combine(c[Modules], c[Bank]), merkle.Combine(c[Accounts], c[Instances]))
	return merkle.Combine(merkle.Combine(left, mid), c[Updates])
}

// AccountVersion distinguishes the two on-chain account hashing schemes
// (spec §4.6).
type AccountVersion uint8

const (
	AccountV0 AccountVersion = iota
	AccountV2
)

// AccountV0 is the flat account representation: H(next_nonce, amount,
// encrypted_hash, release_schedule_hash, persisting_hash, stake_hash)
// (spec §4.6).
type AccountV0Fields struct {
	NextNonce           uint64
	Amount              uint64
	EncryptedHash       merkle.Hash
	ReleaseScheduleHash merkle.Hash
	PersistingHash      merkle.Hash
	StakeHash           merkle.Hash
}

// Hash computes the V0 account hash.
func (a AccountV0Fields) Hash() merkle.Hash {
	nonceAmount := merkle.HashBytes(encodeU64Pair(a.NextNonce, a.Amount))
	return merkle.CombineAll(
		nonceAmount,
		a.EncryptedHash,
		a.ReleaseScheduleHash,
		a.PersistingHash,
		a.StakeHash,
	)
}

func encodeU64Pair(a, b uint64) []byte {
	buf := make([]byte, 16)
	putU64(buf[0:8], a)
	putU64(buf[8:16], b)
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

// AccountV2Fields is the balance-level/data-level split representation
// (spec §4.6): the root is a Merkle combination of a balance subhash and a
// data subhash.
type AccountV2Fields struct {
	BalanceHash merkle.Hash // combines amount, release schedule, stake
	DataHash    merkle.Hash // combines nonce, encrypted amount, persisting ref
}

// Hash computes the V2 account hash.
func (a AccountV2Fields) Hash() merkle.Hash {
	return merkle.Combine(a.BalanceHash, a.DataHash)
}

// StateMigrationParameters maps each V0 field into its V2 counterpart,
// resolving spec §9's open question about account-version migration into a
// concrete total function.
type StateMigrationParameters struct {
	// DataHashExtra lets a caller fold in version-specific extra fields
	// (e.g. a new credential map) that V0 had no room for. Nil means no
	// extra data is mixed in.
	DataHashExtra func(v0 AccountV0Fields) merkle.Hash
}

// MigrateV0ToV2 is a total function mapping a V0 account to its V2
// representation per the migration parameters (spec §9).
func MigrateV0ToV2(params StateMigrationParameters, v0 AccountV0Fields) AccountV2Fields {
	balance := merkle.CombineAll(
		merkle.HashBytes(encodeU64(v0.Amount)),
		v0.ReleaseScheduleHash,
		v0.StakeHash,
	)

	dataBase := merkle.CombineAll(
		merkle.HashBytes(encodeU64(v0.NextNonce)),
		v0.EncryptedHash,
		v0.PersistingHash,
	)
	data := dataBase
	if params.DataHashExtra != nil {
		data = merkle.Combine(dataBase, params.DataHashExtra(v0))
	}

	return AccountV2Fields{BalanceHash: balance, DataHash: data}
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	putU64(buf, v)
	return buf
}

// ReleaseEntry is one per-transaction release in the flat release-schedule
// vector (spec §3, §9).
type ReleaseEntry struct {
	Timestamp         uint64
	Amount            uint64
	NextReleaseIndex  int
}

// ReleaseSchedule is the flat vector of release entries, hashed
// incrementally (spec §9).
type ReleaseSchedule struct {
	entries []ReleaseEntry
}

// NewReleaseSchedule wraps entries.
func NewReleaseSchedule(entries []ReleaseEntry) *ReleaseSchedule {
	return &ReleaseSchedule{entries: append([]ReleaseEntry(nil), entries...)}
}

// Prune removes entries whose NextReleaseIndex has reached len(entries): the
// boundary condition from spec §9 ("rse_next_release_index == len(releases)"
// means the entry is fully released and must be removed during incremental
// hashing, not merely skipped).
func (rs *ReleaseSchedule) Prune() {
	n := len(rs.entries)
	kept := rs.entries[:0]
	for _, e := range rs.entries {
		if e.NextReleaseIndex == n {
			continue
		}
		kept = append(kept, e)
	}
	rs.entries = kept
}

// Hash folds the release vector incrementally (spec §9).
func (rs *ReleaseSchedule) Hash() merkle.Hash {
	acc := merkle.Empty
	for _, e := range rs.entries {
		buf := make([]byte, 16)
		putU64(buf[0:8], e.Timestamp)
		putU64(buf[8:16], e.Amount)
		acc = merkle.Combine(acc, merkle.HashBytes(buf))
	}
	return acc
}

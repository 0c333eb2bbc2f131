// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chainblock defines the wire-level Block, QuorumCertificate,
// TimeoutCertificate, FinalizationEntry, and RoundStatus types, their
// hashing (spec §3), and their binary encoding (spec §6).
package chainblock

import (
	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/types"
)

// Flag bits for the Block wire format (spec §6).
const (
	FlagTimeoutCertPresent       = 1 << 0
	FlagFinalizationEntryPresent = 1 << 1
)

// QuorumCertificate is (block_hash, round, epoch, aggregate_bls_signature,
// finalizer_set) (spec §3).
type QuorumCertificate struct {
	BlockHash    types.BlockHash
	Round        types.Round
	Epoch        types.Epoch
	AggregateSig []byte // BLS aggregate signature bytes
	FinalizerSet []byte // canonical minimum-byte bit-vector, big-endian
}

// Hash returns a deterministic digest of the certificate, used as a
// component of block quasi-hashing.
func (qc *QuorumCertificate) Hash() merkle.Hash {
	if qc == nil {
		return merkle.Empty
	}
	return merkle.CombineAll(
		qc.BlockHash,
		merkle.HashBytes(encodeU64(uint64(qc.Round))),
		merkle.HashBytes(encodeU64(uint64(qc.Epoch))),
		merkle.HashBytes(qc.AggregateSig),
		merkle.HashBytes(qc.FinalizerSet),
	)
}

// TimeoutCertificate is (round, map<qc_round, finalizer_set>,
// aggregate_bls_signature) (spec §3). QCRoundSigners records, for each
// distinct highest-QC-round signers saw, which finalizers attested it.
type TimeoutCertificate struct {
	Round        types.Round
	QCRoundSigners map[types.Round][]byte
	AggregateSig []byte
}

// Hash returns a deterministic digest of the certificate.
func (tc *TimeoutCertificate) Hash() merkle.Hash {
	if tc == nil {
		return merkle.Empty
	}
	rounds := sortedRounds(tc.QCRoundSigners)
	acc := merkle.HashBytes(encodeU64(uint64(tc.Round)))
	for _, r := range rounds {
		acc = merkle.Combine(acc, merkle.HashBytes(encodeU64(uint64(r))))
		acc = merkle.Combine(acc, merkle.HashBytes(tc.QCRoundSigners[r]))
	}
	return merkle.Combine(acc, merkle.HashBytes(tc.AggregateSig))
}

func sortedRounds(m map[types.Round][]byte) []types.Round {
	out := make([]types.Round, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// FinalizationEntry witnesses two chained QCs that finalize the older block
// (spec §3): successor_qc.round = finalized_qc.round + 1 and
// successor_qc.block_hash = H(header(round, epoch, finalized_qc.block_hash)
// || successor_proof).
type FinalizationEntry struct {
	FinalizedQC    QuorumCertificate
	SuccessorQC    QuorumCertificate
	SuccessorProof []byte
}

// Valid checks that SuccessorQC's round is FinalizedQC's round + 1. It does
// not check the epochs, and it does not recompute or check the successor
// block hash against FinalizedQC and SuccessorProof.
func (fe *FinalizationEntry) Valid() bool {
	if fe == nil {
		return false
	}
	return fe.SuccessorQC.Round == fe.FinalizedQC.Round+1
}

// Hash returns a deterministic digest of the entry, used as a component of
// block quasi-hashing.
func (fe *FinalizationEntry) Hash() merkle.Hash {
	if fe == nil {
		return merkle.Empty
	}
	return merkle.CombineAll(
		fe.FinalizedQC.Hash(),
		fe.SuccessorQC.Hash(),
		merkle.HashBytes(fe.SuccessorProof),
	)
}

// Block is a baked block (spec §3).
type Block struct {
	Round     types.Round
	Epoch     types.Epoch
	Timestamp uint64
	BakerID   uint64
	BakerKey  []byte // fixed-length per scheme
	ParentQC  QuorumCertificate

	TimeoutCert        *TimeoutCertificate
	FinalizationEntry  *FinalizationEntry

	VRFNonce                []byte
	Transactions            [][]byte
	TransactionOutcomesHash merkle.Hash
	StateHash               merkle.Hash
	Signature               []byte
}

// Flags computes the wire flags byte from the optional fields present
// (spec §6).
func (b *Block) Flags() byte {
	var f byte
	if b.TimeoutCert != nil {
		f |= FlagTimeoutCertPresent
	}
	if b.FinalizationEntry != nil {
		f |= FlagFinalizationEntryPresent
	}
	return f
}

// ParentHash is the hash of the block this one extends, as attested by its
// parent QC.
func (b *Block) ParentHash() types.BlockHash {
	return b.ParentQC.BlockHash
}

// headerHash hashes (round, epoch, parent_hash) (spec §3).
func headerHash(round types.Round, epoch types.Epoch, parentHash types.BlockHash) merkle.Hash {
	return merkle.CombineAll(
		merkle.HashBytes(encodeU64(uint64(round))),
		merkle.HashBytes(encodeU64(uint64(epoch))),
		parentHash,
	)
}

// quasiHash is a balanced Merkle combination of every block field besides
// (round, epoch, parent_hash) (spec §3).
func (b *Block) quasiHash() merkle.Hash {
	txs := merkle.Empty
	for _, tx := range b.Transactions {
		txs = merkle.Combine(txs, merkle.HashBytes(tx))
	}

	left := merkle.CombineAll(
		merkle.HashBytes(encodeU64(b.Timestamp)),
		merkle.HashBytes(encodeU64(b.BakerID)),
		merkle.HashBytes(b.BakerKey),
		b.ParentQC.Hash(),
	)
	mid := merkle.CombineAll(
		b.TimeoutCert.Hash(),
		b.FinalizationEntry.Hash(),
		merkle.HashBytes(b.VRFNonce),
	)
	right := merkle.CombineAll(
		txs,
		b.TransactionOutcomesHash,
		b.StateHash,
	)
	return merkle.CombineAll(left, mid, right)
}

// Hash is H(H(header) || H(quasi)) (spec §3). A genesis block (round and
// epoch both 0, no baker data) hashes the same way with zeroed fields.
func (b *Block) Hash() types.BlockHash {
	h := headerHash(b.Round, b.Epoch, b.ParentHash())
	return merkle.Combine(h, b.quasiHash())
}

// IsGenesis reports whether b is the round/epoch-0 genesis block.
func (b *Block) IsGenesis() bool {
	return b.Round == 0 && b.Epoch == 0
}

// RoundStatus is the persistent per-round bookkeeping (spec §3).
type RoundStatus struct {
	CurrentRound                types.Round
	CurrentEpoch                types.Epoch
	HighestQC                   QuorumCertificate
	PreviousRoundTC             *TimeoutCertificate
	LeadershipElectionNonce     merkle.Hash
	LatestEpochFinalizationEntry *FinalizationEntry
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(v)
		v >>= 8
	}
	return buf
}

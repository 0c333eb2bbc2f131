// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package quorum implements quorum-message aggregation into quorum
// certificates (spec §4.8).
package quorum

import (
	"fmt"

	"github.com/luxfi/crypto/bls"

	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/types"
)

// Verdict is the fine-grained outcome of processing one quorum message,
// following the early-exit sequence of spec §4.8.
type Verdict uint8

const (
	Accepted Verdict = iota
	ConsensusShutdown
	CatchupRequired
	ObsoleteRound
	NotAFinalizer
	Duplicate
	InvalidSignature
	RoundInconsistency
	Rejected // target is Dead, or another structural failure
)

// Flag is a side-effect misbehavior notification, orthogonal to Verdict
// (spec §4.8, §7: "Flagging ... is never a reason to stop processing").
type Flag uint8

const (
	NoFlag Flag = iota
	DoubleSigning
	ReceivedNoRelay
)

// Message is a single finalizer's vote for a block at a round/epoch
// (spec §3 "quorum_message").
type Message struct {
	Signer    types.FinalizerID
	BlockHash types.BlockHash
	Round     types.Round
	Epoch     types.Epoch
	Signature []byte
}

// equal reports whether two messages are the signer's identical vote.
func (m Message) equal(o Message) bool {
	return m.BlockHash == o.BlockHash && m.Round == o.Round && m.Epoch == o.Epoch
}

// TargetState is a block's current lifecycle state as reported for the
// "resolve target block" step of spec §4.8. States mirror choices.BlockState
// without importing it directly, to keep this package independent of the
// tree-state package it is driven by.
type TargetState uint8

const (
	TargetUnknown TargetState = iota
	TargetPending
	TargetAlive
	TargetFinalized
	TargetDead
)

// TargetInfo is what the caller reports about the message's target block.
type TargetInfo struct {
	State TargetState
	Round types.Round
	Epoch types.Epoch
}

// accumulation tracks the in-progress aggregate for one block hash within
// the current round (spec §3 "map<block_hash, (weight, aggregate_sig,
// finalizer_set)>").
type accumulation struct {
	weight       types.Weight
	sigs         []*bls.Signature
	signerBits   map[int]bool
	committeeRef *committee.Committee
}

// Aggregator accumulates quorum messages for the current round and forms a
// QuorumCertificate once the configured signature threshold is reached
// (spec §4.8).
type Aggregator struct {
	genesisHash        types.BlockHash
	signatureThreshold float64

	round        types.Round
	epoch        types.Epoch
	lastBySigner map[types.FinalizerID]Message
	byBlock      map[types.BlockHash]*accumulation
}

// NewAggregator starts a fresh aggregator for (round, epoch).
func NewAggregator(genesisHash types.BlockHash, signatureThreshold float64, round types.Round, epoch types.Epoch) *Aggregator {
	return &Aggregator{
		genesisHash:        genesisHash,
		signatureThreshold: signatureThreshold,
		round:              round,
		epoch:              epoch,
		lastBySigner:       make(map[types.FinalizerID]Message),
		byBlock:            make(map[types.BlockHash]*accumulation),
	}
}

// Reset clears per-round message tables for a new (round, epoch)
// (spec §4.10 "clear current-round message tables").
func (a *Aggregator) Reset(round types.Round, epoch types.Epoch) {
	a.round = round
	a.epoch = epoch
	a.lastBySigner = make(map[types.FinalizerID]Message)
	a.byBlock = make(map[types.BlockHash]*accumulation)
}

// Receive runs the spec §4.8 early-exit sequence against qm and, whenever
// the weight accumulated for qm's block is at or above the signature
// threshold after adding qm, returns a QuorumCertificate over every signer
// accumulated so far.
func (a *Aggregator) Receive(
	qm Message,
	shutdown bool,
	currentEpoch types.Epoch,
	currentRound types.Round,
	cmt *committee.Committee,
	target TargetInfo,
) (Verdict, Flag, *chainblock.QuorumCertificate, error) {
	if shutdown {
		return ConsensusShutdown, NoFlag, nil, nil
	}
	if qm.Epoch > currentEpoch {
		return CatchupRequired, NoFlag, nil, nil
	}
	if qm.Round < currentRound {
		return ObsoleteRound, NoFlag, nil, nil
	}
	if !cmt.Contains(qm.Signer) {
		return NotAFinalizer, NoFlag, nil, nil
	}

	prior, hasPrior := a.lastBySigner[qm.Signer]
	if hasPrior && prior.equal(qm) {
		return Duplicate, NoFlag, nil, nil
	}

	sigMsg := chainblock.QuorumSigningMessage(a.genesisHash, qm.BlockHash)
	pk, ok := memberPublicKey(cmt, qm.Signer)
	if !ok {
		return NotAFinalizer, NoFlag, nil, nil
	}
	sig, err := bls.SignatureFromBytes(qm.Signature)
	if err != nil || !pk.Verify(sig, sigMsg) {
		return InvalidSignature, NoFlag, nil, fmt.Errorf("quorum: signature verification failed")
	}

	flag := NoFlag
	if hasPrior && !prior.equal(qm) {
		flag = DoubleSigning
	}

	switch target.State {
	case TargetFinalized:
		return RoundInconsistency, flag, nil, nil
	case TargetDead:
		return Rejected, flag, nil, nil
	case TargetUnknown:
		return CatchupRequired, flag, nil, nil
	case TargetPending:
		// The target block hasn't been verified and admitted yet, so its
		// vote is accumulated for a possible future QC but cannot be
		// relayed as evidence about a block this node hasn't vouched for
		// (spec §4.8, §7).
		if flag == NoFlag {
			flag = ReceivedNoRelay
		}
	case TargetAlive:
		if target.Round != qm.Round || target.Epoch != qm.Epoch {
			return RoundInconsistency, flag, nil, nil
		}
	}

	a.lastBySigner[qm.Signer] = qm

	acc, ok := a.byBlock[qm.BlockHash]
	if !ok {
		acc = &accumulation{signerBits: make(map[int]bool), committeeRef: cmt}
		a.byBlock[qm.BlockHash] = acc
	}
	bitIdx, _ := cmt.BitIndex(qm.Signer)
	if !acc.signerBits[bitIdx] {
		acc.signerBits[bitIdx] = true
		acc.weight += mustWeight(cmt, qm.Signer)
		acc.sigs = append(acc.sigs, sig)
	}

	if float64(acc.weight) < a.signatureThreshold*float64(cmt.TotalWeight()) {
		if flag != NoFlag {
			return Accepted, flag, nil, nil
		}
		return Accepted, NoFlag, nil, nil
	}

	qc, err := buildQC(qm.BlockHash, qm.Round, qm.Epoch, acc, cmt)
	if err != nil {
		return Accepted, flag, nil, err
	}
	return Accepted, flag, qc, nil
}

func memberPublicKey(cmt *committee.Committee, id types.FinalizerID) (*bls.PublicKey, bool) {
	idx, ok := cmt.BitIndex(id)
	if !ok {
		return nil, false
	}
	m, err := cmt.MemberAt(idx)
	if err != nil {
		return nil, false
	}
	return m.PublicKey, true
}

func mustWeight(cmt *committee.Committee, id types.FinalizerID) types.Weight {
	w, _ := cmt.Weight(id)
	return w
}

func buildQC(blockHash types.BlockHash, round types.Round, epoch types.Epoch, acc *accumulation, cmt *committee.Committee) (*chainblock.QuorumCertificate, error) {
	aggSig, err := bls.AggregateSignatures(acc.sigs)
	if err != nil {
		return nil, fmt.Errorf("quorum: aggregate signatures: %w", err)
	}
	finalizerSet := canonicalBitSet(acc.signerBits, cmt.Size())
	return &chainblock.QuorumCertificate{
		BlockHash:    blockHash,
		Round:        round,
		Epoch:        epoch,
		AggregateSig: aggSig.Bytes(),
		FinalizerSet: finalizerSet,
	}, nil
}

// canonicalBitSet renders the set of bit indices as a minimum-byte,
// no-leading-zero big-endian bit-vector (spec §3 "canonical serialization").
func canonicalBitSet(bits map[int]bool, size int) []byte {
	nbytes := (size + 7) / 8
	buf := make([]byte, nbytes)
	for idx := range bits {
		byteIdx := nbytes - 1 - idx/8
		buf[byteIdx] |= 1 << uint(idx%8)
	}
	// trim leading zero bytes for canonical minimum-byte form
	start := 0
	for start < len(buf)-1 && buf[start] == 0 {
		start++
	}
	return buf[start:]
}

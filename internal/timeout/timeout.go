// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package timeout implements timeout-message aggregation into timeout
// certificates, mirroring internal/quorum but indexing signatures by each
// signer's highest-seen QC round (spec §4.9).
package timeout

import (
	"fmt"

	"github.com/luxfi/crypto/bls"

	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/types"
)

// Verdict mirrors quorum.Verdict for timeout-message processing.
type Verdict uint8

const (
	Accepted Verdict = iota
	ConsensusShutdown
	CatchupRequired
	ObsoleteRound
	NotAFinalizer
	Duplicate
	InvalidSignature
)

// Message is a signer's attestation that round timed out, reporting the
// highest QC round it has seen (spec §3 "timeout_messages").
type Message struct {
	Signer        types.FinalizerID
	Round         types.Round
	HighestQCRound types.Round
	Signature     []byte
}

// perQCRound tracks the accumulated weight and signer bits for one distinct
// highest-QC-round value (spec §4.9).
type perQCRound struct {
	signerBits map[int]bool
	sigs       []*bls.Signature
}

// Aggregator accumulates timeout messages for the current round.
type Aggregator struct {
	genesisHash        types.BlockHash
	signatureThreshold float64

	round        types.Round
	lastBySigner map[types.FinalizerID]Message
	byQCRound    map[types.Round]*perQCRound
	totalWeight  types.Weight
}

// NewAggregator starts a fresh aggregator for round.
func NewAggregator(genesisHash types.BlockHash, signatureThreshold float64, round types.Round) *Aggregator {
	return &Aggregator{
		genesisHash:        genesisHash,
		signatureThreshold: signatureThreshold,
		round:              round,
		lastBySigner:       make(map[types.FinalizerID]Message),
		byQCRound:          make(map[types.Round]*perQCRound),
	}
}

// Reset clears per-round message tables for a new round.
func (a *Aggregator) Reset(round types.Round) {
	a.round = round
	a.lastBySigner = make(map[types.FinalizerID]Message)
	a.byQCRound = make(map[types.Round]*perQCRound)
	a.totalWeight = 0
}

// Receive processes one timeout message and returns a TimeoutCertificate
// once the aggregate weight across all highest-QC-round buckets crosses the
// signature threshold (spec §4.9).
func (a *Aggregator) Receive(
	tm Message,
	shutdown bool,
	currentRound types.Round,
	cmt *committee.Committee,
) (Verdict, *chainblock.TimeoutCertificate, error) {
	if shutdown {
		return ConsensusShutdown, nil, nil
	}
	if tm.Round < currentRound {
		return ObsoleteRound, nil, nil
	}
	if !cmt.Contains(tm.Signer) {
		return NotAFinalizer, nil, nil
	}
	if prior, ok := a.lastBySigner[tm.Signer]; ok && prior.Round == tm.Round && prior.HighestQCRound == tm.HighestQCRound {
		return Duplicate, nil, nil
	}

	idx, _ := cmt.BitIndex(tm.Signer)
	m, err := cmt.MemberAt(idx)
	if err != nil {
		return NotAFinalizer, nil, nil
	}
	sigMsg := chainblock.TimeoutSigningMessage(a.genesisHash, uint64(tm.Round), uint64(tm.HighestQCRound))
	sig, err := bls.SignatureFromBytes(tm.Signature)
	if err != nil || !m.PublicKey.Verify(sig, sigMsg) {
		return InvalidSignature, nil, fmt.Errorf("timeout: signature verification failed")
	}

	a.lastBySigner[tm.Signer] = tm

	bucket, ok := a.byQCRound[tm.HighestQCRound]
	if !ok {
		bucket = &perQCRound{signerBits: make(map[int]bool)}
		a.byQCRound[tm.HighestQCRound] = bucket
	}
	if !bucket.signerBits[idx] {
		bucket.signerBits[idx] = true
		bucket.sigs = append(bucket.sigs, sig)
		w, _ := cmt.Weight(tm.Signer)
		a.totalWeight += w
	}

	if float64(a.totalWeight) < a.signatureThreshold*float64(cmt.TotalWeight()) {
		return Accepted, nil, nil
	}

	tc, err := a.buildTC(cmt)
	if err != nil {
		return Accepted, nil, err
	}
	return Accepted, tc, nil
}

// buildTC aggregates every bucket's signatures into one combined BLS
// verification object via the multi-message aggregate API (spec §4.9
// "hybrid ... one combined BLS verify with the multi-message API").
func (a *Aggregator) buildTC(cmt *committee.Committee) (*chainblock.TimeoutCertificate, error) {
	var allSigs []*bls.Signature
	signers := make(map[types.Round][]byte)
	for qcRound, bucket := range a.byQCRound {
		allSigs = append(allSigs, bucket.sigs...)
		signers[qcRound] = canonicalBitSet(bucket.signerBits, cmt.Size())
	}

	aggSig, err := bls.AggregateSignatures(allSigs)
	if err != nil {
		return nil, fmt.Errorf("timeout: aggregate signatures: %w", err)
	}

	return &chainblock.TimeoutCertificate{
		Round:          a.round,
		QCRoundSigners: signers,
		AggregateSig:   aggSig.Bytes(),
	}, nil
}

func canonicalBitSet(bits map[int]bool, size int) []byte {
	nbytes := (size + 7) / 8
	buf := make([]byte, nbytes)
	for idx := range bits {
		byteIdx := nbytes - 1 - idx/8
		buf[byteIdx] |= 1 << uint(idx%8)
	}
	start := 0
	for start < len(buf)-1 && buf[start] == 0 {
		start++
	}
	return buf[start:]
}

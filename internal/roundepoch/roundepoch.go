// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package roundepoch drives round and epoch advancement: computing the
// timeout duration, recording the evidence for the new round, and applying
// an epoch change when given a block's finalization entry (spec §4.10).
// internal/treestate does not call ApplyEpochChange, so the engine's epoch
// stays at its genesis value.
package roundepoch

import (
	"crypto/sha256"
	"time"

	"github.com/luxfi/konsensus/config"
	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/types"
)

// Evidence is what justified advancing to a new round: either a fresh QC or
// a TC (spec §4.10).
type Evidence struct {
	QC *chainblock.QuorumCertificate
	TC *chainblock.TimeoutCertificate
}

// Driver owns the current RoundStatus and the consecutive-timeout counter
// used to compute the exponential backoff timeout (spec §4.10).
type Driver struct {
	params config.Parameters
	status chainblock.RoundStatus

	consecutiveTimeouts int
}

// New creates a driver seeded at genesis: round 0, epoch 0, highestQC is the
// genesis QC, and the supplied initial leadership-election nonce.
func New(params config.Parameters, genesisQC chainblock.QuorumCertificate, initialNonce merkle.Hash) *Driver {
	return &Driver{
		params: params,
		status: chainblock.RoundStatus{
			CurrentRound:            0,
			CurrentEpoch:            0,
			HighestQC:               genesisQC,
			LeadershipElectionNonce: initialNonce,
		},
	}
}

// Status returns a copy of the current round status.
func (d *Driver) Status() chainblock.RoundStatus {
	return d.status
}

// TimeoutDuration returns the timeout to arm for the current round:
// timeout_base * growth_factor^consecutive_timeouts (spec §4.10).
func (d *Driver) TimeoutDuration() time.Duration {
	return d.params.TimeoutFor(d.consecutiveTimeouts)
}

// AdvanceRound moves to round `to` on the given evidence, resetting the
// timeout timer and clearing current-round message tables is the caller's
// responsibility (the aggregators in internal/quorum and internal/timeout
// own that state); this driver only updates RoundStatus and the timeout
// backoff counter (spec §4.10 "advance_round").
func (d *Driver) AdvanceRound(to types.Round, ev Evidence) {
	switch {
	case ev.TC != nil:
		d.status.PreviousRoundTC = ev.TC
		d.consecutiveTimeouts++
	case ev.QC != nil:
		d.status.HighestQC = *ev.QC
		d.status.PreviousRoundTC = nil
		d.consecutiveTimeouts = 0
	}
	d.status.CurrentRound = to
}

// ApplyEpochChange processes a block carrying an epoch finalization entry:
// current_epoch advances, and a new leadership-election nonce is derived
// (spec §4.10):
//
//	leadership_election_nonce = H("NONCE" || previous_nonce || new_epoch ||
//	    finalization_entry.finalized_qc.block)
func (d *Driver) ApplyEpochChange(newEpoch types.Epoch, fe *chainblock.FinalizationEntry) {
	prevNonce := d.status.LeadershipElectionNonce
	d.status.CurrentEpoch = newEpoch
	d.status.LatestEpochFinalizationEntry = fe
	d.status.LeadershipElectionNonce = deriveNonce(prevNonce, newEpoch, fe.FinalizedQC.BlockHash)
}

func deriveNonce(prevNonce merkle.Hash, newEpoch types.Epoch, finalizedBlock types.BlockHash) merkle.Hash {
	h := sha256.New()
	h.Write([]byte("NONCE"))
	h.Write(prevNonce[:])
	h.Write(encodeEpoch(newEpoch))
	h.Write(finalizedBlock[:])
	var out merkle.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func encodeEpoch(e types.Epoch) []byte {
	buf := make([]byte, 8)
	v := uint64(e)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(v)
		v >>= 8
	}
	return buf
}

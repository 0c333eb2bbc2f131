// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chainblock

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/konsensus/types"
)

// signing message prefixes and seeds (spec §6).
var (
	quorumSigPrefix  = []byte("QUORUM.")
	timeoutSigPrefix = []byte("TIMEOUT.")
	nonceSeedPrefix  = []byte("NONCE")
)

// QuorumSigningMessage returns the bytes a finalizer signs for a quorum
// message over blockHash in the chain rooted at genesisHash (spec §6).
func QuorumSigningMessage(genesisHash, blockHash ids.ID) []byte {
	out := make([]byte, 0, len(quorumSigPrefix)+2*len(ids.ID{}))
	out = append(out, quorumSigPrefix...)
	out = append(out, genesisHash[:]...)
	out = append(out, blockHash[:]...)
	return out
}

// TimeoutSigningMessage returns the bytes a finalizer signs for a timeout
// message at round, reporting highestQCRound (spec §6).
func TimeoutSigningMessage(genesisHash ids.ID, round, qcRound uint64) []byte {
	out := make([]byte, 0, len(timeoutSigPrefix)+len(ids.ID{})+16)
	out = append(out, timeoutSigPrefix...)
	out = append(out, genesisHash[:]...)
	out = append(out, encodeU64(round)...)
	out = append(out, encodeU64(qcRound)...)
	return out
}

// BlockSigningMessage is simply the block's hash (spec §6).
func BlockSigningMessage(blockHash ids.ID) []byte {
	out := make([]byte, len(blockHash))
	copy(out, blockHash[:])
	return out
}

// NonceSeed returns the bytes seeding the VRF for a block's nonce at round,
// given the previous nonce (spec §6).
func NonceSeed(prevNonce []byte, round uint64) []byte {
	out := make([]byte, 0, len(nonceSeedPrefix)+len(prevNonce)+8)
	out = append(out, nonceSeedPrefix...)
	out = append(out, prevNonce...)
	out = append(out, encodeU64(round)...)
	return out
}

// EncodeQC writes the canonical wire form of qc. The finalizer set is
// serialized with a u32-be length prefix before its minimum-byte,
// no-leading-zero bytes (spec §3 canonical encoding).
func EncodeQC(qc *QuorumCertificate) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, qc.BlockHash[:]...)
	buf = append(buf, encodeU64(uint64(qc.Round))...)
	buf = append(buf, encodeU64(uint64(qc.Epoch))...)
	buf = appendBytesWithLen(buf, qc.AggregateSig)
	buf = appendBytesWithLen(buf, qc.FinalizerSet)
	return buf
}

// DecodeQC parses the wire form written by EncodeQC.
func DecodeQC(b []byte) (*QuorumCertificate, int, error) {
	const idLen = 32
	if len(b) < idLen+16 {
		return nil, 0, fmt.Errorf("chainblock: qc: short buffer")
	}
	var qc QuorumCertificate
	copy(qc.BlockHash[:], b[:idLen])
	off := idLen
	qc.Round = mustRound(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	qc.Epoch = mustEpoch(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	sig, n, err := readBytesWithLen(b[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("chainblock: qc: aggregate sig: %w", err)
	}
	qc.AggregateSig = sig
	off += n

	set, n, err := readBytesWithLen(b[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("chainblock: qc: finalizer set: %w", err)
	}
	qc.FinalizerSet = set
	off += n

	return &qc, off, nil
}

func appendBytesWithLen(buf, v []byte) []byte {
	buf = append(buf, encodeU32(uint32(len(v)))...)
	return append(buf, v...)
}

func readBytesWithLen(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("short length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)-4) < n {
		return nil, 0, fmt.Errorf("short payload")
	}
	return append([]byte(nil), b[4:4+n]...), 4 + int(n), nil
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func mustRound(v uint64) types.Round { return types.Round(v) }
func mustEpoch(v uint64) types.Epoch { return types.Epoch(v) }

// EncodeBlock serializes b per the Block wire format (v1) of spec §6:
// round, epoch, timestamp, baker_id, baker_key, parent_qc, flags,
// [timeout_cert]?, [finalization_entry]?, vrf_nonce, state_hash,
// transaction_outcomes_hash, tx_count, transactions*, signature.
func EncodeBlock(b *Block) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, encodeU64(uint64(b.Round))...)
	buf = append(buf, encodeU64(uint64(b.Epoch))...)
	buf = append(buf, encodeU64(b.Timestamp)...)
	buf = append(buf, encodeU64(b.BakerID)...)
	buf = appendBytesWithLen(buf, b.BakerKey)
	buf = append(buf, EncodeQC(&b.ParentQC)...)
	buf = append(buf, b.Flags())

	if b.TimeoutCert != nil {
		buf = appendBytesWithLen(buf, EncodeTC(b.TimeoutCert))
	}
	if b.FinalizationEntry != nil {
		buf = appendBytesWithLen(buf, EncodeFinalizationEntry(b.FinalizationEntry))
	}

	buf = appendBytesWithLen(buf, b.VRFNonce)
	buf = append(buf, b.StateHash[:]...)
	buf = append(buf, b.TransactionOutcomesHash[:]...)
	buf = append(buf, encodeU64(uint64(len(b.Transactions)))...)
	for _, tx := range b.Transactions {
		buf = appendBytesWithLen(buf, tx)
	}
	buf = appendBytesWithLen(buf, b.Signature)
	return buf
}

// DecodeBlock parses the wire form written by EncodeBlock. Undefined flag
// bits (beyond bit 0 and bit 1) must be zero (spec §6); DecodeBlock rejects
// inputs that set them.
func DecodeBlock(b []byte) (*Block, error) {
	const idLen = 32
	off := 0
	need := func(n int) error {
		if len(b)-off < n {
			return fmt.Errorf("chainblock: block: short buffer at offset %d", off)
		}
		return nil
	}

	if err := need(32); err != nil {
		return nil, err
	}
	blk := &Block{}
	blk.Round = mustRound(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	blk.Epoch = mustEpoch(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	blk.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	blk.BakerID = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	key, n, err := readBytesWithLen(b[off:])
	if err != nil {
		return nil, fmt.Errorf("chainblock: block: baker key: %w", err)
	}
	blk.BakerKey = key
	off += n

	qc, n, err := DecodeQC(b[off:])
	if err != nil {
		return nil, err
	}
	blk.ParentQC = *qc
	off += n

	if err := need(1); err != nil {
		return nil, err
	}
	flags := b[off]
	off++
	if flags&^byte(FlagTimeoutCertPresent|FlagFinalizationEntryPresent) != 0 {
		return nil, fmt.Errorf("chainblock: block: reserved flag bits set")
	}

	if flags&FlagTimeoutCertPresent != 0 {
		raw, n, err := readBytesWithLen(b[off:])
		if err != nil {
			return nil, fmt.Errorf("chainblock: block: timeout cert: %w", err)
		}
		tc, _, err := DecodeTC(raw)
		if err != nil {
			return nil, err
		}
		blk.TimeoutCert = tc
		off += n
	}
	if flags&FlagFinalizationEntryPresent != 0 {
		raw, n, err := readBytesWithLen(b[off:])
		if err != nil {
			return nil, fmt.Errorf("chainblock: block: finalization entry: %w", err)
		}
		fe, _, err := DecodeFinalizationEntry(raw)
		if err != nil {
			return nil, err
		}
		blk.FinalizationEntry = fe
		off += n
	}

	nonce, n, err := readBytesWithLen(b[off:])
	if err != nil {
		return nil, fmt.Errorf("chainblock: block: vrf nonce: %w", err)
	}
	blk.VRFNonce = nonce
	off += n

	if err := need(2 * idLen); err != nil {
		return nil, err
	}
	copy(blk.StateHash[:], b[off:off+idLen])
	off += idLen
	copy(blk.TransactionOutcomesHash[:], b[off:off+idLen])
	off += idLen

	if err := need(8); err != nil {
		return nil, err
	}
	txCount := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	blk.Transactions = make([][]byte, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		tx, n, err := readBytesWithLen(b[off:])
		if err != nil {
			return nil, fmt.Errorf("chainblock: block: transaction %d: %w", i, err)
		}
		blk.Transactions = append(blk.Transactions, tx)
		off += n
	}

	sig, n, err := readBytesWithLen(b[off:])
	if err != nil {
		return nil, fmt.Errorf("chainblock: block: signature: %w", err)
	}
	blk.Signature = sig
	off += n

	return blk, nil
}

// EncodeTC serializes a TimeoutCertificate: round, map entry count, then
// (qc_round, finalizer_set) pairs in ascending qc_round order, then the
// aggregate signature.
func EncodeTC(tc *TimeoutCertificate) []byte {
	rounds := sortedRounds(tc.QCRoundSigners)
	buf := make([]byte, 0, 64)
	buf = append(buf, encodeU64(uint64(tc.Round))...)
	buf = append(buf, encodeU64(uint64(len(rounds)))...)
	for _, r := range rounds {
		buf = append(buf, encodeU64(uint64(r))...)
		buf = appendBytesWithLen(buf, tc.QCRoundSigners[r])
	}
	buf = appendBytesWithLen(buf, tc.AggregateSig)
	return buf
}

// DecodeTC parses the wire form written by EncodeTC.
func DecodeTC(b []byte) (*TimeoutCertificate, int, error) {
	if len(b) < 16 {
		return nil, 0, fmt.Errorf("chainblock: tc: short buffer")
	}
	tc := &TimeoutCertificate{QCRoundSigners: make(map[types.Round][]byte)}
	tc.Round = mustRound(binary.BigEndian.Uint64(b[:8]))
	count := binary.BigEndian.Uint64(b[8:16])
	off := 16
	for i := uint64(0); i < count; i++ {
		if len(b)-off < 8 {
			return nil, 0, fmt.Errorf("chainblock: tc: short qc_round entry")
		}
		r := mustRound(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		set, n, err := readBytesWithLen(b[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("chainblock: tc: finalizer set: %w", err)
		}
		tc.QCRoundSigners[r] = set
		off += n
	}
	sig, n, err := readBytesWithLen(b[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("chainblock: tc: aggregate sig: %w", err)
	}
	tc.AggregateSig = sig
	off += n
	return tc, off, nil
}

// EncodeFinalizationEntry serializes a FinalizationEntry.
func EncodeFinalizationEntry(fe *FinalizationEntry) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, EncodeQC(&fe.FinalizedQC)...)
	buf = append(buf, EncodeQC(&fe.SuccessorQC)...)
	buf = appendBytesWithLen(buf, fe.SuccessorProof)
	return buf
}

// DecodeFinalizationEntry parses the wire form written by
// EncodeFinalizationEntry.
func DecodeFinalizationEntry(b []byte) (*FinalizationEntry, int, error) {
	finalized, n1, err := DecodeQC(b)
	if err != nil {
		return nil, 0, fmt.Errorf("chainblock: finalization entry: finalized qc: %w", err)
	}
	successor, n2, err := DecodeQC(b[n1:])
	if err != nil {
		return nil, 0, fmt.Errorf("chainblock: finalization entry: successor qc: %w", err)
	}
	proof, n3, err := readBytesWithLen(b[n1+n2:])
	if err != nil {
		return nil, 0, fmt.Errorf("chainblock: finalization entry: successor proof: %w", err)
	}
	return &FinalizationEntry{
		FinalizedQC:    *finalized,
		SuccessorQC:    *successor,
		SuccessorProof: proof,
	}, n1 + n2 + n3, nil
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package treestate implements the tree-state engine: the Unknown -> Pending
// -> Alive -> Finalized/Dead block lifecycle, and the wiring between
// internal/quorum, internal/timeout, internal/committee, internal/executor,
// internal/roundepoch, and internal/finalization that spec §3 and §4.7
// describe as one cohesive state machine (spec §4.7).
package treestate

import (
	"fmt"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/database"

	"github.com/luxfi/konsensus/choices"
	"github.com/luxfi/konsensus/config"
	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/internal/blobstore"
	"github.com/luxfi/konsensus/internal/blockstate"
	"github.com/luxfi/konsensus/internal/bufref"
	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/internal/executor"
	"github.com/luxfi/konsensus/internal/finalization"
	"github.com/luxfi/konsensus/internal/merkle"
	"github.com/luxfi/konsensus/internal/metrics"
	"github.com/luxfi/konsensus/internal/quorum"
	"github.com/luxfi/konsensus/internal/roundepoch"
	"github.com/luxfi/konsensus/internal/timeout"
	"github.com/luxfi/konsensus/types"
)

// blockRecord is the engine's bookkeeping for one known block (spec §3
// "live_map").
type blockRecord struct {
	block    *chainblock.Block
	state    choices.BlockState
	height   types.Height
	children []types.BlockHash

	// diff is this block's per-block account difference map, chained onto
	// its parent's (spec §4.5, §3).
	diff *accountmap.DifferenceMap
	// stateRef is this block's block-state root, buffered against
	// BlobStore until finalization flushes it (spec §4.2, §4.6).
	stateRef *bufref.BufferedRef[*blockstate.Root]
}

// rootCodec (de)serializes a *blockstate.Root as its nine 32-byte component
// hashes concatenated in composition order, for use as a bufref.Codec.
type rootCodec struct{}

func (rootCodec) Marshal(r *blockstate.Root) ([]byte, error) {
	comps := r.Components()
	buf := make([]byte, 0, len(comps)*len(merkle.Hash{}))
	for _, c := range comps {
		buf = append(buf, c[:]...)
	}
	return buf, nil
}

func (rootCodec) Unmarshal(b []byte) (*blockstate.Root, error) {
	var comps [9]merkle.Hash
	hashLen := len(merkle.Hash{})
	if len(b) != len(comps)*hashLen {
		return nil, fmt.Errorf("treestate: block state root: wrong length %d", len(b))
	}
	for i := range comps {
		copy(comps[i][:], b[i*hashLen:(i+1)*hashLen])
	}
	return blockstate.NewRoot(comps), nil
}

// buildComponents places accountsHash as the Accounts component of the
// state root and stateHash everywhere else, since the rest of the
// sub-states (Birk, crypto params, modules, bank, instances, ...) are kept
// opaque behind the executor per spec §1 Non-goals; only the account map
// is unwired from the executor's result (spec §4.5, §4.6).
func buildComponents(stateHash, accountsHash merkle.Hash) [9]merkle.Hash {
	var comps [9]merkle.Hash
	for i := range comps {
		comps[i] = stateHash
	}
	comps[blockstate.Accounts] = accountsHash
	return comps
}

// accountsComponentHash folds a difference map's flattened entries into a
// single hash usable as the block-state root's Accounts component.
func accountsComponentHash(diff *accountmap.DifferenceMap) merkle.Hash {
	acc := merkle.Empty
	for _, e := range diff.Flatten() {
		buf := make([]byte, accountmap.AddressLen+8)
		copy(buf, e.Addr[:])
		for i := 0; i < 8; i++ {
			buf[accountmap.AddressLen+7-i] = byte(e.Index >> (8 * i))
		}
		acc = merkle.Combine(acc, merkle.HashBytes(buf))
	}
	return acc
}

// awaitingEntry is a block parked because it referenced a finalization
// round beyond what has landed yet (spec §4.11 step 6, "awaiting the last
// finalized block").
type awaitingEntry struct {
	atHeight types.Height
	block    *chainblock.Block
}

// State is the tree-state engine for one running instance of KonsensusV1. It
// owns the live block map, the pending-by-parent index, the dead-block
// cache, the pending-round priority queue, and the round/epoch driver, and
// drives the quorum and timeout aggregators against the current committee.
type State struct {
	mu sync.Mutex

	params config.Parameters
	cmt    *committee.Committee
	exec   executor.Executor

	quorumAgg  *quorum.Aggregator
	timeoutAgg *timeout.Aggregator
	round      *roundepoch.Driver

	blocks          map[types.BlockHash]*blockRecord
	pendingByParent map[types.BlockHash][]*chainblock.Block
	dead            *deadCache
	pending         *pendingQueue
	qcByRound       map[types.Round]chainblock.QuorumCertificate
	awaiting        []awaitingEntry

	finalizedHash    types.BlockHash
	finalizedHeight  types.Height
	nextAccountIndex accountmap.Index

	shutdown bool

	// OnFinalize, if set, is called for each block transitioning to
	// Finalized, in increasing height order (spec §4.11 step 4). It is
	// invoked while s.mu is held; implementations must not call back into
	// State.
	OnFinalize func(types.BlockHash, *chainblock.Block)

	// Metrics, if set, records block admission/rejection and certificate
	// formation counts. Nil is a valid no-op value.
	Metrics *metrics.Metrics

	// Accounts, if set, is the persistent account-address index that
	// FlushAndWriteAccounts commits each finalized block's created
	// addresses into (spec §4.5 "write_accounts_created"). Nil disables
	// account-map persistence (e.g. in unit tests that only exercise the
	// lifecycle state machine).
	Accounts *accountmap.Store

	// BlobStore, if set, backs the per-block block-state root that
	// FlushAndWriteAccounts flushes on finalization (spec §4.2, §4.6,
	// §4.11 step 4). Nil disables block-state persistence.
	BlobStore *blobstore.Store
}

// New creates a tree-state engine rooted at genesis, already Finalized at
// height 0.
func New(params config.Parameters, cmt *committee.Committee, exec executor.Executor, genesis *chainblock.Block) *State {
	genesisHash := genesis.Hash()
	s := &State{
		params:          params,
		cmt:             cmt,
		exec:            exec,
		quorumAgg:       quorum.NewAggregator(genesisHash, params.SignatureThreshold, 1, 0),
		timeoutAgg:      timeout.NewAggregator(genesisHash, params.SignatureThreshold, 1),
		round:           roundepoch.New(params, chainblock.QuorumCertificate{BlockHash: genesisHash}, genesisHash),
		blocks:          make(map[types.BlockHash]*blockRecord),
		pendingByParent: make(map[types.BlockHash][]*chainblock.Block),
		dead:            newDeadCache(params.DeadCacheCapacity),
		pending:         newPendingQueue(),
		qcByRound:       make(map[types.Round]chainblock.QuorumCertificate),
		finalizedHash:   genesisHash,
		finalizedHeight: 0,
	}
	s.blocks[genesisHash] = &blockRecord{
		block:  genesis,
		state:  choices.Finalized,
		height: 0,
		diff:   accountmap.NewDifferenceMap(nil, nil, nil),
	}
	return s
}

// ReceiveBlock runs the spec §4.7 verification and admission sequence for a
// newly delivered block, buffering it if its parent has not yet arrived and
// otherwise verifying, executing, and admitting it as Alive, then draining
// any children that were waiting on it.
func (s *State) ReceiveBlock(block *chainblock.Block) (types.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveBlockLocked(block)
}

func (s *State) receiveBlockLocked(block *chainblock.Block) (types.Verdict, error) {
	h := block.Hash()

	if _, ok := s.blocks[h]; ok {
		return types.Duplicate, nil
	}
	if s.dead.Contains(h) {
		return types.Duplicate, nil
	}

	parentHash := block.ParentHash()
	parent, knownParent := s.blocks[parentHash]
	if !knownParent {
		s.pendingByParent[parentHash] = append(s.pendingByParent[parentHash], block)
		s.pending.Push(block)
		return types.PendingBlock, nil
	}
	if parent.state == choices.Dead {
		s.dead.Add(h)
		return types.Stale, nil
	}
	if block.Round <= parent.block.Round {
		s.dead.Add(h)
		s.countRejected()
		return types.Invalid, nil
	}

	verdict, result, err := s.verifyAndExecute(block, parent)
	if verdict != types.Success {
		if verdict == types.Invalid {
			s.countRejected()
		}
		return verdict, err
	}

	s.admit(block, h, parent, result)
	s.countAdmitted()
	s.drainPending(h)

	if fe := block.FinalizationEntry; fe != nil && fe.Valid() {
		if err := s.handleFinalizationEntry(fe); err != nil {
			return types.Success, fmt.Errorf("treestate: finalization: %w", err)
		}
	}
	return types.Success, nil
}

// verifyAndExecute checks leader eligibility and signature, then executes
// the block's transactions against the parent state and compares the
// resulting hashes against the block's claims (spec §4.7 step 3).
func (s *State) verifyAndExecute(block *chainblock.Block, parent *blockRecord) (types.Verdict, executor.Result, error) {
	leader, err := s.cmt.Leader(s.round.Status().LeadershipElectionNonce, block.Round)
	if err != nil {
		return types.Unverifiable, executor.Result{}, err
	}
	member, err := s.cmt.MemberAt(int(block.BakerID))
	if err != nil || member.ID != leader.ID {
		s.dead.Add(block.Hash())
		return types.Invalid, executor.Result{}, nil
	}

	sigMsg := chainblock.BlockSigningMessage(block.Hash())
	sig, err := bls.SignatureFromBytes(block.Signature)
	if err != nil || !member.PublicKey.Verify(sig, sigMsg) {
		s.dead.Add(block.Hash())
		return types.Invalid, executor.Result{}, nil
	}

	if s.exec == nil {
		return types.Unverifiable, executor.Result{}, fmt.Errorf("treestate: no executor configured")
	}
	result, err := s.exec.Execute(parent.block.StateHash, block.Transactions)
	if err != nil {
		return types.Unverifiable, executor.Result{}, err
	}
	if result.StateHash != block.StateHash || result.TransactionOutcomesHash != block.TransactionOutcomesHash {
		s.dead.Add(block.Hash())
		return types.Invalid, executor.Result{}, nil
	}
	return types.Success, result, nil
}

// admit registers block as Alive, building its difference map as a child of
// its parent's (recording every address result reports as created) and, if
// a blob store is configured, its buffered block-state root (spec §4.5,
// §4.6).
func (s *State) admit(block *chainblock.Block, h types.BlockHash, parent *blockRecord, result executor.Result) {
	rec := &blockRecord{block: block, state: choices.Alive, height: parent.height + 1}

	diff := accountmap.NewDifferenceMap(nil, parent.diff, nil)
	for _, addr := range result.CreatedAddresses {
		diff.Insert(addr, s.nextAccountIndex)
		s.nextAccountIndex++
	}
	rec.diff = diff

	if s.BlobStore != nil {
		comps := buildComponents(block.StateHash, accountsComponentHash(diff))
		rec.stateRef = bufref.Make(s.BlobStore, rootCodec{}, blockstate.NewRoot(comps))
	}

	s.blocks[h] = rec
	parent.children = append(parent.children, h)
}

// drainPending re-delivers every block that was waiting on parentHash, in
// FIFO order, now that parentHash has been admitted (spec §4.7 "resolve
// pending children").
func (s *State) drainPending(parentHash types.BlockHash) {
	waiting := s.pendingByParent[parentHash]
	delete(s.pendingByParent, parentHash)
	for _, b := range waiting {
		_, _ = s.receiveBlockLocked(b)
	}
}

// ReceiveQuorumMessage feeds a quorum (finalization vote) message to the
// current round's aggregator and admits the resulting QuorumCertificate, if
// any, into the round driver (spec §4.8, §4.10).
func (s *State) ReceiveQuorumMessage(qm quorum.Message) (quorum.Verdict, quorum.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.resolveTarget(qm.BlockHash)
	verdict, flag, qc, err := s.quorumAgg.Receive(qm, s.shutdown, s.round.Status().CurrentEpoch, s.round.Status().CurrentRound, s.cmt, target)
	if err != nil {
		return verdict, flag, err
	}
	if qc != nil {
		s.qcByRound[qc.Round] = *qc
		s.round.AdvanceRound(qc.Round+1, roundepoch.Evidence{QC: qc})
		s.quorumAgg.Reset(qc.Round+1, s.round.Status().CurrentEpoch)
		s.timeoutAgg.Reset(qc.Round + 1)
		if s.Metrics != nil {
			s.Metrics.QCsFormed.Inc()
		}
		if err := s.deriveChainedFinalization(*qc); err != nil {
			return verdict, flag, fmt.Errorf("treestate: finalization: %w", err)
		}
	}
	return verdict, flag, nil
}

// deriveChainedFinalization implements spec §4.11 scenario S1: when the QC
// just formed for round r extends the block carrying the QC for round r-1,
// the two chained QCs alone (without any block embedding an explicit
// FinalizationEntry) finalize the older block and its ancestors.
func (s *State) deriveChainedFinalization(successorQC chainblock.QuorumCertificate) error {
	if successorQC.Round == 0 {
		return nil
	}
	finalizedQC, ok := s.qcByRound[successorQC.Round-1]
	if !ok {
		return nil
	}
	rec, ok := s.blocks[successorQC.BlockHash]
	if !ok || rec.block.ParentHash() != finalizedQC.BlockHash {
		return nil
	}
	fe, err := finalization.Derive(finalizedQC, successorQC, successorQC.BlockHash[:])
	if err != nil {
		return nil
	}
	return s.handleFinalizationEntry(fe)
}

// ReceiveTimeoutMessage feeds a timeout message to the current round's
// timeout aggregator and advances the round on a formed TimeoutCertificate
// (spec §4.9, §4.10).
func (s *State) ReceiveTimeoutMessage(tm timeout.Message) (timeout.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	verdict, tc, err := s.timeoutAgg.Receive(tm, s.shutdown, s.round.Status().CurrentRound, s.cmt)
	if err != nil {
		return verdict, err
	}
	if tc != nil {
		s.round.AdvanceRound(tc.Round+1, roundepoch.Evidence{TC: tc})
		s.quorumAgg.Reset(tc.Round+1, s.round.Status().CurrentEpoch)
		s.timeoutAgg.Reset(tc.Round + 1)
		if s.Metrics != nil {
			s.Metrics.TCsFormed.Inc()
		}
	}
	return verdict, nil
}

// Shutdown marks this engine instance as shut down. Subsequent quorum and
// timeout messages are rejected with ConsensusShutdown instead of being
// aggregated (spec §5).
func (s *State) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

func (s *State) resolveTarget(h types.BlockHash) quorum.TargetInfo {
	rec, ok := s.blocks[h]
	if !ok {
		if s.dead.Contains(h) {
			return quorum.TargetInfo{State: quorum.TargetDead}
		}
		if s.isPendingBlock(h) {
			return quorum.TargetInfo{State: quorum.TargetPending}
		}
		return quorum.TargetInfo{State: quorum.TargetUnknown}
	}
	switch rec.state {
	case choices.Finalized:
		return quorum.TargetInfo{State: quorum.TargetFinalized, Round: rec.block.Round, Epoch: rec.block.Epoch}
	case choices.Dead:
		return quorum.TargetInfo{State: quorum.TargetDead}
	case choices.Alive:
		return quorum.TargetInfo{State: quorum.TargetAlive, Round: rec.block.Round, Epoch: rec.block.Epoch}
	default:
		return quorum.TargetInfo{State: quorum.TargetUnknown}
	}
}

// isPendingBlock reports whether h names a block buffered in
// pendingByParent, awaiting its own parent's arrival (spec §4.8 "Pending"
// target state).
func (s *State) isPendingBlock(h types.BlockHash) bool {
	for _, waiting := range s.pendingByParent {
		for _, b := range waiting {
			if b.Hash() == h {
				return true
			}
		}
	}
	return false
}

// handleFinalizationEntry derives and applies a finalization entry when a
// block arrives carrying its own, or two chained QCs allow one to be
// derived locally (spec §4.11).
func (s *State) handleFinalizationEntry(fe *chainblock.FinalizationEntry) error {
	newlyFinalized := s.chainSince(fe.FinalizedQC.BlockHash)
	if len(newlyFinalized) == 0 {
		return nil
	}
	return finalization.Apply(s, fe, newlyFinalized, s.blocks[fe.FinalizedQC.BlockHash].height)
}

// chainSince walks back from h to the current finalized block, returning
// the newly-finalized ancestors in increasing height order.
func (s *State) chainSince(h types.BlockHash) []types.BlockHash {
	var chain []types.BlockHash
	cur := h
	for cur != s.finalizedHash {
		rec, ok := s.blocks[cur]
		if !ok {
			break
		}
		chain = append(chain, cur)
		cur = rec.block.ParentHash()
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// --- finalization.Pruner implementation (spec §4.11) ---

func (s *State) MarkDeadBelowHeight(finalized types.BlockHash) error {
	rec, ok := s.blocks[finalized]
	if !ok {
		return fmt.Errorf("treestate: unknown finalized block")
	}
	ancestors := make(map[types.BlockHash]struct{})
	cur := finalized
	for {
		ancestors[cur] = struct{}{}
		r, ok := s.blocks[cur]
		if !ok || r.block.IsGenesis() {
			break
		}
		cur = r.block.ParentHash()
	}
	for hash, r := range s.blocks {
		if r.height < rec.height {
			if _, isAncestor := ancestors[hash]; !isAncestor {
				r.state = choices.Dead
			}
		}
	}
	return nil
}

func (s *State) PruneSiblings(finalized types.BlockHash) error {
	ancestors := make(map[types.BlockHash]struct{})
	cur := finalized
	for {
		ancestors[cur] = struct{}{}
		r, ok := s.blocks[cur]
		if !ok || r.block.IsGenesis() {
			break
		}
		cur = r.block.ParentHash()
	}
	for hash, r := range s.blocks {
		if _, onChain := ancestors[hash]; onChain {
			continue
		}
		if r.state == choices.Alive && r.height <= s.blocks[finalized].height {
			r.state = choices.Dead
		}
	}
	return nil
}

// TrimEmptyLevels is a no-op under this engine's flat block-map
// representation: there is no per-height level list to trim since blocks
// are addressed directly by hash (spec §4.11 step 3).
func (s *State) TrimEmptyLevels() error {
	return nil
}

// FlushAndWriteAccounts flushes each newly finalized block's buffered
// block-state root to the blob store and commits its difference map's
// created addresses into the persistent account index, in the increasing
// height order newlyFinalized is already given in (spec §4.11 step 4,
// §4.5, §4.6).
func (s *State) FlushAndWriteAccounts(newlyFinalized []types.BlockHash) error {
	var db database.Database
	if s.Accounts != nil {
		db = s.Accounts.DB()
	}

	for _, h := range newlyFinalized {
		rec, ok := s.blocks[h]
		if !ok {
			continue
		}

		if rec.stateRef != nil {
			if _, err := rec.stateRef.Flush(); err != nil {
				return fmt.Errorf("treestate: flush block state: %w", err)
			}
		}
		if rec.diff != nil && db != nil {
			if err := rec.diff.WriteAccountsCreated(db); err != nil {
				return fmt.Errorf("treestate: write accounts created: %w", err)
			}
		}

		rec.state = choices.Finalized
		s.finalizedHash = h
		s.finalizedHeight = rec.height
		if s.Metrics != nil {
			s.Metrics.FinalizedHeight.Set(float64(rec.height))
		}
		if s.OnFinalize != nil {
			s.OnFinalize(h, rec.block)
		}
	}
	return nil
}

func (s *State) countAdmitted() {
	if s.Metrics != nil {
		s.Metrics.BlocksAdmitted.Inc()
	}
}

func (s *State) countRejected() {
	if s.Metrics != nil {
		s.Metrics.BlocksRejected.Inc()
	}
}

func (s *State) PurgePendingUpTo(round types.Round) error {
	for _, b := range s.pending.PopUpTo(uint64(round)) {
		delete(s.pendingByParent, b.ParentHash())
	}
	return nil
}

func (s *State) DrainAwaitingLastFinalized(height types.Height) error {
	var remaining []awaitingEntry
	for _, e := range s.awaiting {
		if e.atHeight <= height {
			_, _ = s.receiveBlockLocked(e.block)
			continue
		}
		remaining = append(remaining, e)
	}
	s.awaiting = remaining
	return nil
}

// FinalizedHeight returns the current finalized height.
func (s *State) FinalizedHeight() types.Height {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizedHeight
}

// BlockState reports the lifecycle state of a known block.
func (s *State) BlockState(h types.BlockHash) choices.BlockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.blocks[h]
	if !ok {
		if s.dead.Contains(h) {
			return choices.Dead
		}
		if s.isPendingBlock(h) {
			return choices.Pending
		}
		return choices.Unknown
	}
	return rec.state
}

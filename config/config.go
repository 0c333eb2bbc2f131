// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the tunable parameters of the KonsensusV1 tree
// state and finalization engine.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by Parameters.Valid.
var (
	ErrInvalidSignatureThreshold = errors.New("signature threshold must be in (0, 1]")
	ErrInvalidTimeoutBase        = errors.New("timeout base must be positive")
	ErrInvalidGrowthFactor       = errors.New("timeout growth factor must be >= 1")
	ErrInvalidDeadCacheCapacity  = errors.New("dead cache capacity must be positive")
	ErrInvalidCatchupPeriod      = errors.New("finalization catchup period must be positive")
)

// Parameters holds the consensus parameters for a KonsensusV1 node.
//
// Unlike a sampling-based protocol, KonsensusV1 has no K/Alpha/Beta sample
// parameters: a quorum or timeout certificate is formed from an explicit
// stake-weighted threshold over the current epoch's finalizer committee.
type Parameters struct {
	// SignatureThreshold is the fraction of total committee weight required
	// to form a QC or TC (spec §4.8, §4.9). Typically 2/3.
	SignatureThreshold float64

	// TimeoutBase is the duration of the first round timeout after a QC.
	TimeoutBase time.Duration

	// TimeoutGrowthFactor multiplies TimeoutBase for each consecutive
	// timeout since the last round advanced via a QC (spec §4.10).
	TimeoutGrowthFactor float64

	// DeadCacheCapacity bounds the dead_cache FIFO set (spec §3).
	DeadCacheCapacity int

	// FinalizationCatchupPeriod is the re-broadcast interval of the
	// finalization-catchup timer (spec §5).
	FinalizationCatchupPeriod time.Duration
}

// DefaultParams returns production-suitable defaults.
func DefaultParams() Parameters {
	return Parameters{
		SignatureThreshold:        2.0 / 3.0,
		TimeoutBase:               10 * time.Second,
		TimeoutGrowthFactor:       1.2,
		DeadCacheCapacity:         1000,
		FinalizationCatchupPeriod: 5 * time.Second,
	}
}

// TestParams returns parameters suitable for fast deterministic tests.
func TestParams() Parameters {
	p := DefaultParams()
	p.TimeoutBase = 100 * time.Millisecond
	p.DeadCacheCapacity = 16
	p.FinalizationCatchupPeriod = 50 * time.Millisecond
	return p
}

// Valid returns an error if p is not a safe configuration.
func (p Parameters) Valid() error {
	switch {
	case p.SignatureThreshold <= 0 || p.SignatureThreshold > 1:
		return fmt.Errorf("%w: got %v", ErrInvalidSignatureThreshold, p.SignatureThreshold)
	case p.TimeoutBase <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidTimeoutBase, p.TimeoutBase)
	case p.TimeoutGrowthFactor < 1:
		return fmt.Errorf("%w: got %v", ErrInvalidGrowthFactor, p.TimeoutGrowthFactor)
	case p.DeadCacheCapacity <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidDeadCacheCapacity, p.DeadCacheCapacity)
	case p.FinalizationCatchupPeriod <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidCatchupPeriod, p.FinalizationCatchupPeriod)
	default:
		return nil
	}
}

// TimeoutFor returns the round timeout duration after consecutiveTimeouts
// successive timeouts since the last QC-driven round advance (spec §4.10).
func (p Parameters) TimeoutFor(consecutiveTimeouts int) time.Duration {
	d := float64(p.TimeoutBase)
	for i := 0; i < consecutiveTimeouts; i++ {
		d *= p.TimeoutGrowthFactor
	}
	return time.Duration(d)
}

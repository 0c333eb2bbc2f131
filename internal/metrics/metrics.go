// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics registers the tree-state engine's Prometheus collectors,
// in the style of the teacher's metrics package (grounded on
// _examples/luxfi-consensus/metrics/{metrics,metric}.go), adapted to the
// counters and gauges KonsensusV1 actually produces.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of collectors one running Node exposes: blocks
// admitted/rejected, certificates formed, and the current finalized height
// and pool size (spec §4.7, §4.8, §4.9, §4.12).
type Metrics struct {
	BlocksAdmitted    prometheus.Counter
	BlocksRejected    prometheus.Counter
	QCsFormed         prometheus.Counter
	TCsFormed         prometheus.Counter
	FinalizedHeight   prometheus.Gauge
	TxPoolSize        prometheus.Gauge
}

// New creates and registers every collector against reg. A Node that does
// not care about metrics can pass prometheus.NewRegistry() and discard it.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BlocksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konsensus_blocks_admitted_total",
			Help: "Total number of blocks admitted into the tree state.",
		}),
		BlocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konsensus_blocks_rejected_total",
			Help: "Total number of blocks rejected during verification.",
		}),
		QCsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konsensus_quorum_certificates_formed_total",
			Help: "Total number of quorum certificates formed.",
		}),
		TCsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "konsensus_timeout_certificates_formed_total",
			Help: "Total number of timeout certificates formed.",
		}),
		FinalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "konsensus_finalized_height",
			Help: "Height of the most recently finalized block.",
		}),
		TxPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "konsensus_txpool_size",
			Help: "Number of transactions currently live in the pool.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.BlocksAdmitted, m.BlocksRejected, m.QCsFormed, m.TCsFormed,
		m.FinalizedHeight, m.TxPoolSize,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NoOp returns a Metrics backed by a private, unregistered registry: every
// observation is recorded in memory but never exposed, for callers that do
// not want to wire a Prometheus endpoint.
func NoOp() *Metrics {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		panic(err) // unreachable: a fresh private registry never rejects first-time registration
	}
	return m
}

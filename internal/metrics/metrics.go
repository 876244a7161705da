// Package metrics exposes the simulation core's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsApplied counts market events applied to the reconstructed book,
// by kind (book_delta/trade/snapshot).
var EventsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tickbt_events_applied_total",
		Help: "Total number of market events applied to the order book",
	},
	[]string{"kind"},
)

// FillsEmitted counts fills emitted by the matching engine, by liquidity
// role (maker/taker).
var FillsEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tickbt_fills_emitted_total",
		Help: "Total number of simulated fills emitted by the matching engine",
	},
	[]string{"role"},
)

// OrdersRejected counts order rejections by reason (policy/balance).
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tickbt_orders_rejected_total",
		Help: "Total number of simulated order rejections",
	},
	[]string{"reason"},
)

// DepthClamps counts trades whose size exceeded resting depth and were
// clamped to zero. A high rate points at noisy or gappy feed data.
var DepthClamps = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tickbt_depth_clamps_total",
		Help: "Total number of trades clamped against insufficient resting depth",
	},
)

// TimelineDepth tracks the number of pending items on the scheduler heap.
var TimelineDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tickbt_timeline_depth",
		Help: "Number of pending items on the simulation timeline heap",
	},
)

func init() {
	prometheus.MustRegister(EventsApplied, FillsEmitted, OrdersRejected)
	prometheus.MustRegister(DepthClamps, TimelineDepth)
}

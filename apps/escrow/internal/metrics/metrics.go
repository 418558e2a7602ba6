package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrderTransitions counts committed order transitions by variant and target status.
var OrderTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "order_transitions_total",
		Help:      "Committed order state transitions",
	},
	[]string{"variant", "status"},
)

// RejectedOperations counts operations rejected before any state change.
var RejectedOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "rejected_operations_total",
		Help:      "Operations rejected by a precondition",
	},
	[]string{"component", "operation"},
)

// TransferFailures counts token port failures that rolled a transition back.
var TransferFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "token",
		Name:      "transfer_failures_total",
		Help:      "Token transfers that failed and aborted the enclosing operation",
	},
	[]string{"component", "operation"},
)

// StakeChanges counts LP stake movements by kind.
var StakeChanges = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "stake",
		Name:      "changes_total",
		Help:      "LP stake changes",
	},
	[]string{"kind"},
)

// ActiveLPs tracks the number of LPs whose stake keeps them active.
var ActiveLPs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "stake",
		Name:      "active_lps",
		Help:      "LPs currently marked active",
	},
)

// RateUpdates counts oracle updates by currency and outcome.
var RateUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "oracle",
		Name:      "rate_updates_total",
		Help:      "Rate updates by outcome",
	},
	[]string{"currency", "result"},
)

// OutboxPublished counts events shipped from the outbox to Kafka.
var OutboxPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox events published to Kafka",
	},
	[]string{"result"},
)

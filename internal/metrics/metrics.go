package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carecall"

var (
	once sync.Once

	schedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by outcome.",
		},
		[]string{"outcome"},
	)

	claimedItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_claimed_items_total",
			Help:      "Items claimed by the scheduler by kind.",
		},
		[]string{"kind"},
	)

	placements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_placements_total",
			Help:      "Outbound call placements by result.",
		},
		[]string{"result"},
	)

	bargeIns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_barge_ins_total",
			Help:      "Playback flushes caused by caller speech.",
		},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and result.",
		},
		[]string{"tool", "result"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Minute ledger entries written by billable type.",
		},
		[]string{"type"},
	)

	billingReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_reports_total",
			Help:      "Metered usage reports by result.",
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_active_sessions",
			Help:      "Voice bridge sessions currently running.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			schedulerTicks,
			claimedItems,
			placements,
			bargeIns,
			toolCalls,
			ledgerEntries,
			billingReports,
			activeSessions,
		)
	})
}

func IncTick(outcome string) {
	schedulerTicks.WithLabelValues(outcome).Inc()
}

func AddClaimed(kind string, n int) {
	if n > 0 {
		claimedItems.WithLabelValues(kind).Add(float64(n))
	}
}

func IncPlacement(result string) {
	placements.WithLabelValues(result).Inc()
}

func IncBargeIn() {
	bargeIns.Inc()
}

func IncToolCall(tool, result string) {
	toolCalls.WithLabelValues(tool, result).Inc()
}

func IncLedgerEntry(billableType string) {
	ledgerEntries.WithLabelValues(billableType).Inc()
}

func IncBillingReport(result string) {
	billingReports.WithLabelValues(result).Inc()
}

func SessionStarted() { activeSessions.Inc() }
func SessionEnded()   { activeSessions.Dec() }

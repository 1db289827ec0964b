// Package metrics exposes operational counters in Prometheus text
// exposition format:
//   - guard_active_monitors{account}          – monitors currently running
//   - guard_order_mutations_total{account,op} – place/amend/cancel calls issued
//   - guard_rebalances_total{account}         – rebalance passes that mutated orders
//   - guard_tp_hits_total{account}            – take-profit fills detected
//   - guard_sweep_corrections_total{kind}     – monitors created/removed/flagged by the sweep
//   - guard_store_recoveries_total            – backup restores of the monitor store
//   - guard_monitor_errors_total{account}     – fatal per-monitor errors
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveMonitors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_active_monitors",
			Help: "Monitors currently running",
		},
		[]string{"account"},
	)

	OrderMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_order_mutations_total",
			Help: "Order mutations issued to the exchange",
		},
		[]string{"account", "op"}, // op: place|amend|cancel
	)

	Rebalances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rebalances_total",
			Help: "Rebalance passes that issued at least one mutation",
		},
		[]string{"account"},
	)

	TPHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_tp_hits_total",
			Help: "Take-profit fills detected",
		},
		[]string{"account"},
	)

	SweepCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_sweep_corrections_total",
			Help: "Reconciliation sweep corrections",
		},
		[]string{"kind"}, // kind: created|removed|flagged
	)

	StoreRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guard_store_recoveries_total",
			Help: "Monitor store restores from backup",
		},
	)

	MonitorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_monitor_errors_total",
			Help: "Fatal per-monitor errors",
		},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveMonitors,
		OrderMutations,
		Rebalances,
		TPHits,
		SweepCorrections,
		StoreRecoveries,
		MonitorErrors,
	)
}

// Serve blocks serving /metrics on the given port.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// Package metrics exposes Prometheus gauges and counters for the rotation
// machinery, grounded on wisbric-nightowl's internal/telemetry package
// (package-level Collector vars, Namespace/Subsystem naming, an All()
// helper for registration). Per spec.md's "cyclic observability risk"
// note, every gauge here is a read-only snapshot — nothing in the hot
// dispatch/ledger path blocks on a metrics call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "gcli2api"

var DispatchAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Total number of upstream attempts made by the rotating dispatcher, by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

var LedgerInFlightLeases = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "in_flight_leases",
		Help:      "Current number of in-flight (acquired, not yet released) credential leases, by provider.",
	},
	[]string{"provider"},
)

var CooldownRemainingSeconds = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cooldown",
		Name:      "remaining_seconds",
		Help:      "Seconds remaining in a provider's current cooldown window, 0 if not cooling.",
	},
	[]string{"provider"},
)

var ModelCacheAge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "modelcache",
		Name:      "age_seconds",
		Help:      "Seconds since the model cache last successfully repopulated.",
	},
	[]string{},
)

// All returns every collector this package defines, for registration
// against a prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DispatchAttemptsTotal,
		LedgerInFlightLeases,
		CooldownRemainingSeconds,
		ModelCacheAge,
	}
}

func init() {
	for _, c := range All() {
		if err := prometheus.Register(c); err != nil {
			logrus.Warnf("[metrics] registering collector: %v", err)
		}
	}
}

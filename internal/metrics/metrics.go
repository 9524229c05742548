package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_events_ingested_total",
		Help: "Total number of normalized events persisted by the tailer",
	})
	eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_events_dropped_total",
		Help: "Total number of log lines dropped during normalization",
	})
	bansIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_bans_issued_total",
		Help: "Total number of deny rules created by the auto-ban engine",
	})
	bansExtendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_bans_extended_total",
		Help: "Total number of deny rule expiries extended by the auto-ban engine",
	})
	bansSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_bans_suppressed_total",
		Help: "Total number of ban decisions suppressed by an explicit allow rule",
	})
	compilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_compiles_total",
		Help: "Total number of configuration compile attempts",
	})
	compileFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_compile_failures_total",
		Help: "Total number of compile/apply sequences that failed",
	})
	gatewayReloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_gateway_reloads_total",
		Help: "Total number of successful gateway reloads",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		eventsIngestedTotal, eventsDroppedTotal,
		bansIssuedTotal, bansExtendedTotal, bansSuppressedTotal,
		compilesTotal, compileFailuresTotal, gatewayReloadsTotal,
	)
}

// IncEventsIngested adds to the ingested events counter.
func IncEventsIngested(n int) { eventsIngestedTotal.Add(float64(n)) }

// IncEventsDropped adds to the dropped lines counter.
func IncEventsDropped(n int) { eventsDroppedTotal.Add(float64(n)) }

// IncBanIssued increments the issued bans counter.
func IncBanIssued() { bansIssuedTotal.Inc() }

// IncBanExtended increments the extended bans counter.
func IncBanExtended() { bansExtendedTotal.Inc() }

// IncBanSuppressed increments the allow-suppressed bans counter.
func IncBanSuppressed() { bansSuppressedTotal.Inc() }

// IncCompile increments the compile attempts counter.
func IncCompile() { compilesTotal.Inc() }

// IncCompileFailure increments the compile failures counter.
func IncCompileFailure() { compileFailuresTotal.Inc() }

// IncGatewayReload increments the reloads counter.
func IncGatewayReload() { gatewayReloadsTotal.Inc() }

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheHits counts state cache hits by value kind (tick/order/position)
var CacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftcore_cache_hits_total",
		Help: "Total number of state cache hits",
	},
	[]string{"kind"},
)

// CacheMisses counts state cache misses by value kind
var CacheMisses = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftcore_cache_misses_total",
		Help: "Total number of state cache misses",
	},
	[]string{"kind"},
)

// CacheLoads counts loader executions triggered by GetOrLoad
var CacheLoads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftcore_cache_loads_total",
		Help: "Total number of cache loader executions by outcome",
	},
	[]string{"kind", "outcome"},
)

// Event bus metrics
var (
	LaneDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hftcore_bus_lane_depth",
			Help: "Current queue depth per priority lane",
		},
		[]string{"lane"},
	)

	LaneDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hftcore_bus_lane_drops_total",
			Help: "Events dropped or rejected per lane by policy outcome",
		},
		[]string{"lane", "outcome"},
	)

	HandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hftcore_bus_handler_latency_seconds",
			Help:    "Per-invocation handler latency",
			Buckets: []float64{25e-6, 50e-6, 100e-6, 250e-6, 1e-3, 5e-3, 25e-3},
		},
		[]string{"handler"},
	)

	HandlersDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hftcore_bus_handlers_degraded",
			Help: "Number of handlers currently flagged degraded",
		},
	)
)

// Risk metrics
var (
	ProtectionLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hftcore_risk_protection_level",
			Help: "Current protection level (0=none 1=conservative 2=aggressive 3=emergency)",
		},
	)

	BreakerTripped = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hftcore_risk_breaker_tripped",
			Help: "Whether a named circuit breaker is tripped (1) or not (0)",
		},
		[]string{"breaker"},
	)

	TickOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hftcore_risk_tick_overruns_total",
			Help: "Risk controller ticks that exceeded their latency budget",
		},
	)

	OrdersValidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hftcore_gate_orders_validated_total",
			Help: "Pre-trade validations by outcome (allowed/rejected)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(CacheHits, CacheMisses, CacheLoads)
	prometheus.MustRegister(LaneDepth, LaneDrops, HandlerLatency, HandlersDegraded)
	prometheus.MustRegister(ProtectionLevel, BreakerTripped, TickOverruns, OrdersValidated)
}

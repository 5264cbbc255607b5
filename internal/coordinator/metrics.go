package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	commissionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_profiles_commission_runs_total",
			Help: "Finished commissioning runs by profile and final status.",
		},
		[]string{"profile", "status"},
	)
	commissionEndpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_profiles_commission_endpoints_total",
			Help: "Endpoint commissioning attempts by outcome.",
		},
		[]string{"profile", "status"},
	)
	commissionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_profiles_commission_retries_total",
			Help: "Commissioning attempts scheduled after a transient failure.",
		},
		[]string{"profile"},
	)
	commissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zigbee_profiles_commission_duration_seconds",
			Help:    "Wall time of a commissioning run including retries.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"profile"},
	)
	commissionInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zigbee_profiles_commission_in_flight",
			Help: "Commissioning runs currently in progress.",
		},
	)
)

func init() {
	prometheus.MustRegister(commissionRuns, commissionEndpoints, commissionRetries, commissionDuration, commissionInFlight)
}

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epc_checkins_total",
			Help: "Check-in requests by result.",
		},
		[]string{"result"},
	)
	CommandsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epc_commands_delivered_total",
			Help: "Commands handed to devices in check-in responses.",
		},
	)
	TelemetryBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epc_telemetry_batches_total",
			Help: "Telemetry batches by result.",
		},
		[]string{"result"},
	)
	SweepReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epc_sweep_reaped_total",
			Help: "Rows removed or re-queued by the maintenance sweep.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(CheckinsTotal, CommandsDeliveredTotal, TelemetryBatchesTotal, SweepReapedTotal)
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

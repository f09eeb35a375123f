package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

var GatewayCallsByMethod = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_calls_by_method",
		Help: "Ledger gateway calls by method and outcome",
	},
	[]string{"method", "status"},
)

var GatewayLatencyHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_latency_histogram",
		Help:    "Ledger gateway call latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	},
	[]string{"method"},
)

var WorkerTransfers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "worker_transfers",
		Help: "Transfers submitted by workers, by outcome",
	},
	[]string{"worker", "status"},
)

var MonitorUnitsConsumed = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "monitor_transfer_units_consumed",
		Help: "Compute units consumed by the last successfully simulated transfer",
	},
)

var MonitorSimulations = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "monitor_simulations",
		Help: "Successful transfer simulations whose compute units the monitor showed",
	},
)

// - 0 before the migration, 1 once the new owner was confirmed
var Migrated = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "migration_completed",
		Help: "Whether the migrated program is owned by its new loader",
	},
)

var Version = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "version",
		Help: "Version information of this binary",
	},
	[]string{"tag", "commit", "run_id"},
)

func StatusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ListenAndServe exposes the default registry on /metrics in the background.
func ListenAndServe(listenOn string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    listenOn,
		Handler: mux,
	}
	go func() {
		klog.Infof("Metrics available at http://%s/metrics", listenOn)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("metrics server stopped: %v", err)
		}
	}()
	return server
}

// Package metrics provides Prometheus instrumentation for the IDE orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	// Fast operations (route add, health check probe)
	fastBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0}

	// Medium operations (HTTP requests, run dispatch)
	mediumBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

	// Slow operations (container provisioning) - can take tens of seconds
	slowBuckets = []float64{1, 5, 10, 30, 60, 120, 180, 300, 600}
)

// Collector holds all Prometheus metrics for the orchestrator.
type Collector struct {
	// Gauges - current state
	ActiveContainers   *prometheus.GaugeVec
	UsedIDs            prometheus.Gauge
	EventSubscriptions prometheus.Gauge

	// Counters - cumulative events
	StartsTotal       *prometheus.CounterVec
	StopsTotal        *prometheus.CounterVec
	ProvisionsTotal   *prometheus.CounterVec
	StatusChecksTotal *prometheus.CounterVec
	KillsDetected     prometheus.Counter
	ExecutionsTotal   *prometheus.CounterVec
	ReapsTotal        prometheus.Counter
	RouteOpsTotal     *prometheus.CounterVec

	// Histograms - latency distributions
	ProvisionDuration   prometheus.Histogram
	ReadyWaitDuration   prometheus.Histogram
	ExecutionDuration   prometheus.Histogram
	HealthCheckDuration prometheus.Histogram
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		ActiveContainers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ide",
			Name:      "active_containers",
			Help:      "Number of containers per lifecycle status",
		}, []string{"status"}),
		UsedIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ide",
			Name:      "used_ids",
			Help:      "Number of container identifiers currently marked used",
		}),
		EventSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ide",
			Name:      "event_subscriptions",
			Help:      "Number of open state-change subscriptions",
		}),

		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "starts_total",
			Help:      "Total number of start-container requests",
		}, []string{"result"}),
		StopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "stops_total",
			Help:      "Total number of stop-container requests",
		}, []string{"result"}),
		ProvisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "provisions_total",
			Help:      "Total number of provisioning attempts",
		}, []string{"result"}),
		StatusChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "status_checks_total",
			Help:      "Total number of status checks against the runtime",
		}, []string{"result"}),
		KillsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "kills_detected_total",
			Help:      "Total number of externally terminated containers detected",
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "executions_total",
			Help:      "Total number of run requests dispatched to workspaces",
		}, []string{"language", "result"}),
		ReapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "reaps_total",
			Help:      "Total number of idle containers reaped",
		}),
		RouteOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ide",
			Name:      "route_operations_total",
			Help:      "Total number of ingress route operations",
		}, []string{"operation", "result"}),

		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ide",
			Name:      "provision_duration_seconds",
			Help:      "Time to provision a container in seconds",
			Buckets:   slowBuckets,
		}),
		ReadyWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ide",
			Name:      "ready_wait_duration_seconds",
			Help:      "Total time waiting for a workspace to become ready in seconds",
			Buckets:   slowBuckets,
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ide",
			Name:      "execution_duration_seconds",
			Help:      "Run request latency in seconds",
			Buckets:   mediumBuckets,
		}),
		HealthCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ide",
			Name:      "health_check_duration_seconds",
			Help:      "Single health check latency in seconds",
			Buckets:   fastBuckets,
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ide",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   mediumBuckets,
		}, []string{"method", "path", "status"}),

		registry: reg,
	}

	reg.MustRegister(
		// Gauges
		c.ActiveContainers,
		c.UsedIDs,
		c.EventSubscriptions,
		// Counters
		c.StartsTotal,
		c.StopsTotal,
		c.ProvisionsTotal,
		c.StatusChecksTotal,
		c.KillsDetected,
		c.ExecutionsTotal,
		c.ReapsTotal,
		c.RouteOpsTotal,
		// Histograms
		c.ProvisionDuration,
		c.ReadyWaitDuration,
		c.ExecutionDuration,
		c.HealthCheckDuration,
		c.HTTPRequestDuration,
	)

	return c
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

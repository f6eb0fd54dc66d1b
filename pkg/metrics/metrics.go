// Package metrics exposes Prometheus metrics for the microVM sandbox control
// plane: resource utilization, network allocations, image registry size,
// VNC sessions, and cluster/load-balancer state.
//
// The teacher repo hand-rolled its own text-exposition writer; this package
// replaces it with github.com/prometheus/client_golang, the instrumentation
// library used across the retrieval pack (cuemby-warren, cobaltcore-dev-cortex,
// and others).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

// Collector owns every Prometheus metric the daemon exposes and the
// registry they are bound to, so a test can construct an isolated
// instance instead of colliding with the global default registry.
type Collector struct {
	registry *prometheus.Registry
	log      *logrus.Entry

	// Resource Manager
	ActiveVMs         prometheus.Gauge
	AllocatedVCPUs    prometheus.Gauge
	AllocatedMemoryMB prometheus.Gauge
	SystemCPUPercent  prometheus.Gauge
	SystemMemPercent  prometheus.Gauge
	AllocationsTotal  *prometheus.CounterVec // labeled by result: admitted|rejected
	AutoScaleTotal    prometheus.Counter

	// Network Manager
	TapInterfaces     prometheus.Gauge
	PortForwardsTotal prometheus.Gauge
	NetworkOpErrors   *prometheus.CounterVec // labeled by op: bridge|tap|port_forward

	// Image Registry
	RegisteredImages prometheus.Gauge
	ImageBytesTotal  prometheus.Gauge

	// VNC Session Manager
	ActiveVNCSessions prometheus.Gauge

	// Cluster Layer
	HealthyInstances prometheus.Gauge
	LBRequestsTotal  *prometheus.CounterVec // labeled by instance_id
	ScaleEventsTotal *prometheus.CounterVec // labeled by action: scale_up|scale_down

	// Background Worker
	WorkerTaskDuration *prometheus.HistogramVec // labeled by task
	WorkerTaskErrors   *prometheus.CounterVec   // labeled by task
}

// NewCollector registers every metric against a fresh registry and returns
// the Collector. Each daemon process should construct exactly one.
func NewCollector(log *logrus.Entry) *Collector {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithField("component", "metrics")

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		log:      log,

		ActiveVMs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_resource_active_vms",
			Help: "Number of VMs with a live resource allocation.",
		}),
		AllocatedVCPUs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_resource_allocated_vcpus",
			Help: "Sum of vCPUs across all live allocations.",
		}),
		AllocatedMemoryMB: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_resource_allocated_memory_mb",
			Help: "Sum of memory (MB) across all live allocations.",
		}),
		SystemCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_resource_system_cpu_percent",
			Help: "Host-wide CPU utilization percent, last sample.",
		}),
		SystemMemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_resource_system_memory_percent",
			Help: "Host-wide memory utilization percent, last sample.",
		}),
		AllocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microvm_resource_allocations_total",
			Help: "Resource allocation attempts by outcome.",
		}, []string{"result"}),
		AutoScaleTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "microvm_resource_autoscale_total",
			Help: "Total number of VMs resized by the auto-scaler.",
		}),

		TapInterfaces: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_network_tap_interfaces",
			Help: "Number of active TAP interfaces.",
		}),
		PortForwardsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_network_port_forwards",
			Help: "Number of active port-forward rules.",
		}),
		NetworkOpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microvm_network_op_errors_total",
			Help: "Network manager operation failures by operation.",
		}, []string{"op"}),

		RegisteredImages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_image_registered_total",
			Help: "Number of images in the registry.",
		}),
		ImageBytesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_image_bytes_total",
			Help: "Sum of image sizes in bytes.",
		}),

		ActiveVNCSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_vnc_active_sessions",
			Help: "Number of active VNC sessions.",
		}),

		HealthyInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microvm_cluster_healthy_instances",
			Help: "Number of instances currently marked healthy by service discovery.",
		}),
		LBRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microvm_cluster_lb_requests_total",
			Help: "Requests routed by the load balancer, by destination instance.",
		}, []string{"instance_id"}),
		ScaleEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microvm_cluster_scale_events_total",
			Help: "Horizontal scale actions applied, by direction.",
		}, []string{"action"}),

		WorkerTaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "microvm_worker_task_duration_seconds",
			Help:    "Background worker task execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		WorkerTaskErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microvm_worker_task_errors_total",
			Help: "Background worker task failures, by task.",
		}, []string{"task"}),
	}

	return c
}

// Handler returns the HTTP handler to mount at the configured metrics path.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveResourceMetrics updates the Resource Manager gauges from a fresh
// snapshot, the way the background worker's collect_metrics task does on
// every tick.
func (c *Collector) ObserveResourceMetrics(usage domain.SystemResourceUsage) {
	c.ActiveVMs.Set(float64(usage.ActiveVMs))
	c.AllocatedVCPUs.Set(float64(usage.UsedVCPUs))
	c.AllocatedMemoryMB.Set(float64(usage.UsedMemoryMB))
	c.SystemCPUPercent.Set(usage.CPUUsagePercent)
	c.SystemMemPercent.Set(usage.MemoryUsagePercent)
}

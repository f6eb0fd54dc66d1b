// Package cluster implements the Cluster Layer: Service Discovery, the Load
// Balancer, and the Horizontal Scaler (spec §4.5-§4.7).
//
// Grounded on original_source/src/utils/scaling.py. The Python original
// optionally talks to the Kubernetes API and degrades to a static host list
// read from MICROVM_CLUSTER_HOSTS; this package expresses that same
// fallback as two Backend implementations selected at wiring time, using
// k8s.io/client-go for the live path (the pack's cobaltcore-dev-cortex and
// vpsieinc-vpsie-k8s-autoscaler both wire it the same way).
package cluster

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

// Backend discovers the raw set of peer instances; Discovery layers health
// checking and caching on top of whichever Backend is wired in.
type Backend interface {
	Discover(ctx context.Context) ([]domain.ServiceInstance, error)
}

// StaticBackend returns a fixed list of "host:port" endpoints, the
// degraded-mode fallback mirroring MICROVM_CLUSTER_HOSTS.
type StaticBackend struct {
	Hosts []string
}

func (b StaticBackend) Discover(ctx context.Context) ([]domain.ServiceInstance, error) {
	out := make([]domain.ServiceInstance, 0, len(b.Hosts))
	for _, hp := range b.Hosts {
		host, portStr, err := splitHostPort(hp)
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		out = append(out, domain.ServiceInstance{
			ID:     hp,
			Host:   host,
			Port:   port,
			Status: domain.InstanceStarting,
		})
	}
	return out, nil
}

func splitHostPort(hp string) (string, string, error) {
	idx := strings.LastIndex(hp, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid host:port %q", hp)
	}
	return hp[:idx], hp[idx+1:], nil
}

// OrchestratorBackend discovers peer endpoints from Kubernetes service
// endpoints, the way vpsieinc-vpsie-k8s-autoscaler's scaler.go reads
// endpoint subsets.
type OrchestratorBackend struct {
	Client    kubernetes.Interface
	Namespace string
	Service   string
}

func (b OrchestratorBackend) Discover(ctx context.Context) ([]domain.ServiceInstance, error) {
	ep, err := b.Client.CoreV1().Endpoints(b.Namespace).Get(ctx, b.Service, metav1.GetOptions{})
	if err != nil {
		return nil, domain.WrapTransient("fetch kubernetes endpoints", err)
	}

	var out []domain.ServiceInstance
	for _, subset := range ep.Subsets {
		port := 0
		for _, p := range subset.Ports {
			port = int(p.Port)
			break
		}
		for _, addr := range subset.Addresses {
			out = append(out, instanceFromAddress(addr, port, domain.InstanceHealthy))
		}
		for _, addr := range subset.NotReadyAddresses {
			out = append(out, instanceFromAddress(addr, port, domain.InstanceUnhealthy))
		}
	}
	return out, nil
}

func instanceFromAddress(addr corev1.EndpointAddress, port int, status domain.InstanceStatus) domain.ServiceInstance {
	id := addr.IP
	if addr.TargetRef != nil {
		id = addr.TargetRef.Name
	}
	return domain.ServiceInstance{ID: id, Host: addr.IP, Port: port, Status: status}
}

// HealthChecker probes one instance's readiness. Factored out so tests can
// substitute a fake instead of making real HTTP calls.
type HealthChecker interface {
	Check(ctx context.Context, instance domain.ServiceInstance) bool
}

// HTTPHealthChecker probes GET http://host:port/api/v1/health/ready.
type HTTPHealthChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

func (c HTTPHealthChecker) Check(ctx context.Context, instance domain.ServiceInstance) bool {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/v1/health/ready", instance.Host, instance.Port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Discovery caches the result of Backend.Discover and annotates each
// instance with a health check, refreshing at most every cacheInterval.
type Discovery struct {
	mu sync.Mutex

	backend       Backend
	healthChecker HealthChecker
	cacheInterval time.Duration
	log           *logrus.Entry

	cached    []domain.ServiceInstance
	cachedAt  time.Time
}

// NewDiscovery constructs a Discovery. cacheInterval defaults to 30s,
// matching the source's discovery cache window.
func NewDiscovery(backend Backend, healthChecker HealthChecker, cacheInterval time.Duration, log *logrus.Entry) *Discovery {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if cacheInterval == 0 {
		cacheInterval = 30 * time.Second
	}
	if healthChecker == nil {
		healthChecker = HTTPHealthChecker{}
	}
	return &Discovery{
		backend:       backend,
		healthChecker: healthChecker,
		cacheInterval: cacheInterval,
		log:           log.WithField("component", "service_discovery"),
	}
}

// DiscoverInstances returns the cached instance list, refreshing it (and
// running a health check against each entry) if the cache has expired.
func (d *Discovery) DiscoverInstances(ctx context.Context) ([]domain.ServiceInstance, error) {
	d.mu.Lock()
	if time.Since(d.cachedAt) < d.cacheInterval && d.cached != nil {
		cached := append([]domain.ServiceInstance(nil), d.cached...)
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	instances, err := d.backend.Discover(ctx)
	if err != nil {
		return nil, err
	}

	for i := range instances {
		healthy := d.healthChecker.Check(ctx, instances[i])
		if healthy {
			instances[i].Status = domain.InstanceHealthy
		} else {
			instances[i].Status = domain.InstanceUnhealthy
		}
		instances[i].LastHeartbeat = time.Now()
	}

	d.mu.Lock()
	d.cached = instances
	d.cachedAt = time.Now()
	d.mu.Unlock()

	d.log.WithField("count", len(instances)).Debug("refreshed instance discovery cache")
	return append([]domain.ServiceInstance(nil), instances...), nil
}

// GetHealthyInstances filters DiscoverInstances to InstanceHealthy entries.
func (d *Discovery) GetHealthyInstances(ctx context.Context) ([]domain.ServiceInstance, error) {
	all, err := d.DiscoverInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if inst.Status == domain.InstanceHealthy {
			out = append(out, inst)
		}
	}
	return out, nil
}

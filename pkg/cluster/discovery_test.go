package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

type fakeBackend struct {
	instances []domain.ServiceInstance
	calls     int
}

func (b *fakeBackend) Discover(ctx context.Context) ([]domain.ServiceInstance, error) {
	b.calls++
	out := make([]domain.ServiceInstance, len(b.instances))
	copy(out, b.instances)
	return out, nil
}

type fakeHealthChecker struct {
	healthy map[string]bool
}

func (h fakeHealthChecker) Check(ctx context.Context, instance domain.ServiceInstance) bool {
	return h.healthy[instance.ID]
}

func TestDiscovery_MarksHealthAndCaches(t *testing.T) {
	backend := &fakeBackend{instances: []domain.ServiceInstance{
		{ID: "a", Host: "10.0.0.1", Port: 8080},
		{ID: "b", Host: "10.0.0.2", Port: 8080},
	}}
	checker := fakeHealthChecker{healthy: map[string]bool{"a": true, "b": false}}

	d := NewDiscovery(backend, checker, time.Hour, nil)

	healthy, err := d.GetHealthyInstances(context.Background())
	if err != nil {
		t.Fatalf("GetHealthyInstances failed: %v", err)
	}
	if len(healthy) != 1 || healthy[0].ID != "a" {
		t.Errorf("expected only instance a to be healthy, got %+v", healthy)
	}

	// Second call within the cache window must not re-invoke the backend.
	d.DiscoverInstances(context.Background())
	if backend.calls != 1 {
		t.Errorf("expected backend to be queried once due to caching, got %d calls", backend.calls)
	}
}

func TestDiscovery_RefreshesAfterCacheExpiry(t *testing.T) {
	backend := &fakeBackend{instances: []domain.ServiceInstance{{ID: "a", Host: "x", Port: 1}}}
	checker := fakeHealthChecker{healthy: map[string]bool{"a": true}}
	d := NewDiscovery(backend, checker, time.Nanosecond, nil)

	d.DiscoverInstances(context.Background())
	time.Sleep(time.Millisecond)
	d.DiscoverInstances(context.Background())

	if backend.calls != 2 {
		t.Errorf("expected backend to be re-queried after cache expiry, got %d calls", backend.calls)
	}
}

func TestStaticBackend_ParsesHostPort(t *testing.T) {
	b := StaticBackend{Hosts: []string{"10.0.0.1:8080", "10.0.0.2:9090"}}
	instances, err := b.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	if instances[0].Port != 8080 && instances[1].Port != 8080 {
		t.Errorf("expected one instance on port 8080, got %+v", instances)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pipeops/microvm-sandbox/pkg/cluster"
	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/executor"
	"github.com/pipeops/microvm-sandbox/pkg/image"
	"github.com/pipeops/microvm-sandbox/pkg/network"
	"github.com/pipeops/microvm-sandbox/pkg/resource"
)

type fakeSampler struct{}

func (fakeSampler) CPUCount() int { return 8 }
func (fakeSampler) CPUPercent(ctx context.Context) (float64, error) { return 10, nil }
func (fakeSampler) LoadAverage() ([]float64, error) { return []float64{0.1, 0.2, 0.3}, nil }
func (fakeSampler) MemoryMB() (total, available int64, err error) { return 16384, 8192, nil }
func (fakeSampler) DiskGB(path string) (total, available int64, err error) { return 500, 400, nil }

type fakeClusterBackend struct{}

func (fakeClusterBackend) Discover(ctx context.Context) ([]domain.ServiceInstance, error) {
	return []domain.ServiceInstance{{ID: "a", Host: "127.0.0.1", Port: 9000}}, nil
}

type fakeClusterHealth struct{}

func (fakeClusterHealth) Check(ctx context.Context, inst domain.ServiceInstance) bool { return true }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	resMgr := resource.NewManager(resource.DefaultConfig(), fakeSampler{}, nil)

	netMgr := network.NewManager(network.Config{
		BridgeName: "br-test", BridgeIP: "192.168.127.1/24", Subnet: "192.168.127.0/24",
		PortRangeLo: 20000, PortRangeHi: 20100,
	}, &executor.Fake{}, nil)

	imgReg, err := image.NewRegistry(image.Config{RootDir: t.TempDir(), RegistryFile: "registry.json"}, &executor.Fake{}, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	discovery := cluster.NewDiscovery(fakeClusterBackend{}, fakeClusterHealth{}, time.Hour, nil)
	lb := cluster.NewLoadBalancer(discovery, domain.DefaultLoadBalancingConfig(), nil)

	return NewServer(Dependencies{
		Resources: resMgr,
		Network:   netMgr,
		Images:    imgReg,
		Discovery: discovery,
		LB:        lb,
	}, nil)
}

func TestServer_AllocateThenGetSystemUsage(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"vcpus":2,"memory_mb":512,"disk_gb":10,"priority":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/resources/allocate/vm-a", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	usageReq := httptest.NewRequest(http.MethodGet, "/api/v1/resources/system/usage", nil)
	usageRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(usageRec, usageReq)

	if usageRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", usageRec.Code)
	}
	var usage domain.SystemResourceUsage
	if err := json.NewDecoder(usageRec.Body).Decode(&usage); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if usage.UsedVCPUs != 2 {
		t.Errorf("expected 2 used vcpus after allocation, got %d", usage.UsedVCPUs)
	}
}

func TestServer_DeallocateMissingVMReturns404(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/resources/deallocate/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServer_ClusterScaleWithoutScalerReturns400(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cluster/scale", strings.NewReader(`{"action":"up"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when no scaler is configured, got %d", rec.Code)
	}
}

func TestServer_ClusterHealthReportsHealthyInstances(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cluster/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

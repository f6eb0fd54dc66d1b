package resource

import (
	"context"
	"fmt"
	"testing"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/hypervisor"
)

// fakeDriver records CreateVM/DestroyVM calls instead of driving a real
// Firecracker process.
type fakeDriver struct {
	hypervisor.Driver
	created   []string
	destroyed []string
	createErr error
}

func (f *fakeDriver) CreateVM(ctx context.Context, spec hypervisor.VMSpec) (*hypervisor.VMHandle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec.Name)
	return &hypervisor.VMHandle{Name: spec.Name}, nil
}

func (f *fakeDriver) DestroyVM(ctx context.Context, name string) error {
	f.destroyed = append(f.destroyed, name)
	return nil
}

// fakeSampler is a fixed host reading for deterministic tests.
type fakeSampler struct {
	cpuCount    int
	cpuPercent  float64
	loadAvg     []float64
	totalMemMB  int64
	availMemMB  int64
	totalDiskGB int64
	availDiskGB int64
}

func (f *fakeSampler) CPUCount() int { return f.cpuCount }
func (f *fakeSampler) CPUPercent(ctx context.Context) (float64, error) { return f.cpuPercent, nil }
func (f *fakeSampler) LoadAverage() ([]float64, error) { return f.loadAvg, nil }
func (f *fakeSampler) MemoryMB() (int64, int64, error) { return f.totalMemMB, f.availMemMB, nil }
func (f *fakeSampler) DiskGB(path string) (int64, int64, error) { return f.totalDiskGB, f.availDiskGB, nil }

func newTestManager() *Manager {
	sampler := &fakeSampler{
		cpuCount:    8,
		cpuPercent:  10,
		loadAvg:     []float64{0.1, 0.2, 0.3},
		totalMemMB:  16384,
		availMemMB:  16384,
		totalDiskGB: 500,
		availDiskGB: 500,
	}
	return NewManager(DefaultConfig(), sampler, nil)
}

func TestManager_Allocate_Success(t *testing.T) {
	m := newTestManager()
	ok, err := m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	alloc, ok := m.GetAllocation("vm-1")
	if !ok {
		t.Fatal("expected allocation to be recorded")
	}
	if alloc.VCPUs != 2 || alloc.MemoryMB != 1024 {
		t.Errorf("unexpected allocation: %+v", alloc)
	}
}

func TestManager_Allocate_RejectsOverQuota(t *testing.T) {
	m := newTestManager()
	quota := domain.ResourceQuota{MaxVCPUs: 2, MaxMemoryMB: 2048, MaxDiskGB: 20, MaxVMs: 5}
	ok, err := m.Allocate(context.Background(), "vm-1", 4, 1024, 10, 1, &quota)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if ok {
		t.Fatal("expected allocation exceeding quota to be rejected")
	}
}

func TestManager_Allocate_RejectsWhenInsufficientResources(t *testing.T) {
	m := newTestManager()
	quota := domain.ResourceQuota{MaxVCPUs: 8, MaxMemoryMB: 8192, MaxDiskGB: 100, MaxVMs: 5}
	if ok, _ := m.Allocate(context.Background(), "vm-0", 6, 1024, 10, 1, &quota); !ok {
		t.Fatal("first allocation should succeed")
	}
	// 2 of the host's 8 vcpus remain; 4 is within quota and the per-VM limit.
	ok, err := m.Allocate(context.Background(), "vm-1", 4, 1024, 10, 1, &quota)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if ok {
		t.Fatal("expected allocation exceeding available vcpus to be rejected")
	}
}

func TestManager_Allocate_Duplicate(t *testing.T) {
	m := newTestManager()
	if ok, _ := m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil); !ok {
		t.Fatal("first allocation should succeed")
	}
	ok, err := m.Allocate(context.Background(), "vm-1", 1, 512, 5, 1, nil)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate allocation to be rejected")
	}
}

func TestManager_Deallocate(t *testing.T) {
	m := newTestManager()
	m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	if !m.Deallocate("vm-1") {
		t.Fatal("expected deallocate to succeed")
	}
	if m.Deallocate("vm-1") {
		t.Fatal("expected second deallocate to report not found")
	}
}

func TestManager_Allocate_GeneratesAllocationID(t *testing.T) {
	m := newTestManager()
	m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	rec, ok := m.allocations["vm-1"]
	if !ok {
		t.Fatal("expected allocation record")
	}
	if rec.AllocationID == "" {
		t.Fatal("expected a non-empty allocation id")
	}
}

func TestManager_Allocate_DrivesVMLifecycle(t *testing.T) {
	m := newTestManager()
	driver := &fakeDriver{}
	m.SetDriver(driver)

	ok, err := m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	if err != nil || !ok {
		t.Fatalf("expected allocate to succeed, got ok=%v err=%v", ok, err)
	}
	if len(driver.created) != 1 || driver.created[0] != "vm-1" {
		t.Fatalf("expected driver.CreateVM called for vm-1, got %v", driver.created)
	}

	m.Deallocate("vm-1")
	if len(driver.destroyed) != 1 || driver.destroyed[0] != "vm-1" {
		t.Fatalf("expected driver.DestroyVM called for vm-1, got %v", driver.destroyed)
	}
}

func TestManager_Allocate_RejectedWhenDriverFails(t *testing.T) {
	m := newTestManager()
	driver := &fakeDriver{createErr: fmt.Errorf("firecracker: boom")}
	m.SetDriver(driver)

	ok, err := m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected allocate to be rejected when the driver fails")
	}
	if _, exists := m.allocations["vm-1"]; exists {
		t.Fatal("expected no allocation record when the driver fails")
	}
}

func TestManager_Resize_Shrink(t *testing.T) {
	m := newTestManager()
	m.Allocate(context.Background(), "vm-1", 4, 2048, 10, 1, nil)
	newVCPUs, newMem := 2, 1024
	ok, err := m.Resize(context.Background(), "vm-1", &newVCPUs, &newMem)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if !ok {
		t.Fatal("expected shrink resize to succeed")
	}
	alloc, _ := m.GetAllocation("vm-1")
	if alloc.VCPUs != 2 || alloc.MemoryMB != 1024 {
		t.Errorf("unexpected allocation after shrink: %+v", alloc)
	}
}

func TestManager_Resize_GrowRejectedWhenNoRoom(t *testing.T) {
	m := newTestManager()
	quota := domain.ResourceQuota{MaxVCPUs: 8, MaxMemoryMB: 8192, MaxDiskGB: 100, MaxVMs: 5}
	m.Allocate(context.Background(), "vm-1", 6, 2048, 10, 1, &quota)
	// Only 2 vcpus remain on the 8-vcpu host; 100 is beyond that and beyond
	// the per-VM limit of 8.
	newVCPUs := 100
	ok, err := m.Resize(context.Background(), "vm-1", &newVCPUs, nil)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if ok {
		t.Fatal("expected grow resize beyond availability to be rejected")
	}
	alloc, _ := m.GetAllocation("vm-1")
	if alloc.VCPUs != 6 {
		t.Errorf("expected allocation untouched after rejected resize, got %+v", alloc)
	}
}

func TestManager_GetRecommendations_Overutilized(t *testing.T) {
	m := newTestManager()
	m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	m.UpdateUsage("vm-1", 95, 50)

	recs, err := m.GetRecommendations(context.Background())
	if err != nil {
		t.Fatalf("GetRecommendations failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(recs))
	}
	if recs[0].RecommendedVCPUs <= recs[0].CurrentVCPUs {
		t.Errorf("expected scale-up recommendation, got %+v", recs[0])
	}
}

func TestManager_SetGetQuota(t *testing.T) {
	m := newTestManager()
	q := domain.ResourceQuota{MaxVCPUs: 1, MaxMemoryMB: 512, MaxDiskGB: 5, MaxVMs: 1}
	m.SetQuota("user-1", q)
	got := m.GetQuota("user-1")
	if got != q {
		t.Errorf("GetQuota = %+v, want %+v", got, q)
	}
	if def := m.GetQuota("unknown-user"); def != domain.DefaultQuota() {
		t.Errorf("expected default quota for unknown principal, got %+v", def)
	}
}

func TestManager_ExportMetrics(t *testing.T) {
	m := newTestManager()
	m.Allocate(context.Background(), "vm-1", 2, 1024, 10, 1, nil)
	metrics, err := m.ExportMetrics(context.Background())
	if err != nil {
		t.Fatalf("ExportMetrics failed: %v", err)
	}
	if len(metrics.Allocations) != 1 {
		t.Errorf("expected 1 allocation in metrics, got %d", len(metrics.Allocations))
	}
	if !metrics.OptimizationEnabled || !metrics.ScalingEnabled || !metrics.MonitoringEnabled {
		t.Error("expected all feature flags enabled by default")
	}
}

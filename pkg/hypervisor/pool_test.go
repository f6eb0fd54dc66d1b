package hypervisor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeDriver struct {
	mu      sync.Mutex
	vms     map[string]*VMHandle
	created int
	destroyed int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{vms: make(map[string]*VMHandle)}
}

func (f *fakeDriver) CreateVM(ctx context.Context, spec VMSpec) (*VMHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	h := &VMHandle{Name: spec.Name, State: VMRunning, StartedAt: time.Now(), Spec: spec}
	f.vms[spec.Name] = h
	return h, nil
}

func (f *fakeDriver) StopVM(ctx context.Context, name string) error { return nil }

func (f *fakeDriver) DestroyVM(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	delete(f.vms, name)
	return nil
}

func (f *fakeDriver) PauseVM(ctx context.Context, name string) error  { return nil }
func (f *fakeDriver) ResumeVM(ctx context.Context, name string) error { return nil }

func (f *fakeDriver) GetVM(name string) (*VMHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.vms[name]
	return h, ok
}

func (f *fakeDriver) ListVMs() []*VMHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*VMHandle, 0, len(f.vms))
	for _, h := range f.vms {
		out = append(out, h)
	}
	return out
}

func TestPool_AcquireCreatesFreshWhenEmpty(t *testing.T) {
	driver := newFakeDriver()
	p := NewPool(driver, PoolConfig{MaxSize: 2, MinSize: 0, WarmConcurrency: 1, ReplenishInterval: time.Hour}, nil)
	defer p.Close(context.Background())

	handle, err := p.Acquire(context.Background(), VMSpec{Name: "vm-a"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if handle.Name != "vm-a" {
		t.Errorf("expected vm-a, got %s", handle.Name)
	}
	stats := p.Stats()
	if stats.PoolMisses != 1 || stats.PoolHits != 0 {
		t.Errorf("expected a miss on empty pool, got %+v", stats)
	}
}

func TestPool_WarmThenAcquireIsAHit(t *testing.T) {
	driver := newFakeDriver()
	p := NewPool(driver, PoolConfig{MaxSize: 2, MinSize: 0, WarmConcurrency: 1, ReplenishInterval: time.Hour}, nil)
	defer p.Close(context.Background())

	if err := p.Warm(context.Background(), 1, VMSpec{}); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}

	handle, err := p.Acquire(context.Background(), VMSpec{Name: "vm-b"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if handle.Name != "vm-b" {
		t.Errorf("expected the pooled handle to be relabeled vm-b, got %s", handle.Name)
	}
	if p.Stats().PoolHits != 1 {
		t.Errorf("expected a pool hit, got %+v", p.Stats())
	}
}

func TestPool_ReleaseDestroysWhenPoolFull(t *testing.T) {
	driver := newFakeDriver()
	p := NewPool(driver, PoolConfig{MaxSize: 0, MinSize: 0, WarmConcurrency: 1, ReplenishInterval: time.Hour}, nil)
	defer p.Close(context.Background())

	handle, _ := p.Acquire(context.Background(), VMSpec{Name: "vm-c"})
	if err := p.Release(context.Background(), handle.Name); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if driver.destroyed != 1 {
		t.Errorf("expected release into a zero-capacity pool to destroy the vm, got %d destroyed", driver.destroyed)
	}
}

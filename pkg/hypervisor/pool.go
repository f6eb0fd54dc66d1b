package hypervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Pool pre-warms VMs so Resize/admission-heavy callers aren't blocked on a
// cold Firecracker boot. Adapted from the teacher's pkg/vm/pool.go: same
// available-channel/in-use-map shape and the same semaphore.Weighted bound
// on concurrent warm-up, generalized from pod sandboxes to bare VMSpecs.
type Pool struct {
	mu sync.Mutex

	driver Driver
	config PoolConfig
	log    *logrus.Entry

	available chan *VMHandle
	inUse     map[string]*VMHandle

	stats poolStats

	ctx     context.Context
	cancel  context.CancelFunc
	warmSem *semaphore.Weighted
	closed  bool
}

type poolStats struct {
	totalServed int64
	poolHits    int64
	poolMisses  int64
}

// PoolConfig bounds the warm pool's size and replenishment cadence.
type PoolConfig struct {
	MaxSize           int
	MinSize           int
	MaxIdleTime       time.Duration
	WarmConcurrency   int
	DefaultSpec       VMSpec
	ReplenishInterval time.Duration
}

// DefaultPoolConfig mirrors the teacher's DefaultPoolConfig.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:           10,
		MinSize:           3,
		MaxIdleTime:       5 * time.Minute,
		WarmConcurrency:   2,
		ReplenishInterval: 10 * time.Second,
	}
}

// Stats reports pool hit/miss counters.
type Stats struct {
	Available   int
	InUse       int
	MaxSize     int
	TotalServed int64
	PoolHits    int64
	PoolMisses  int64
}

// NewPool constructs a Pool and starts its replenish loop. Callers
// must Close it on shutdown.
func NewPool(driver Driver, config PoolConfig, log *logrus.Entry) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	p := &Pool{
		driver:    driver,
		config:    config,
		log:       log.WithField("component", "hypervisor_pool"),
		available: make(chan *VMHandle, config.MaxSize),
		inUse:     make(map[string]*VMHandle),
		ctx:       ctx,
		cancel:    cancel,
		warmSem:   semaphore.NewWeighted(int64(config.WarmConcurrency)),
	}

	go p.replenishLoop()
	return p
}

// Acquire returns a warm VM if one is available, otherwise creates one
// fresh. Named after the teacher's identically-shaped hot path.
func (p *Pool) Acquire(ctx context.Context, spec VMSpec) (*VMHandle, error) {
	atomic.AddInt64(&p.stats.totalServed, 1)

	select {
	case handle := <-p.available:
		atomic.AddInt64(&p.stats.poolHits, 1)
		handle.Name = spec.Name
		handle.Spec = spec

		p.mu.Lock()
		p.inUse[handle.Name] = handle
		p.mu.Unlock()

		return handle, nil
	default:
		atomic.AddInt64(&p.stats.poolMisses, 1)
		return p.createFresh(ctx, spec)
	}
}

// Release returns a VM to the pool, or destroys it if the pool is full or
// the VM has aged out.
func (p *Pool) Release(ctx context.Context, name string) error {
	p.mu.Lock()
	handle, ok := p.inUse[name]
	if ok {
		delete(p.inUse, name)
	}
	poolSize := len(p.available)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if poolSize >= p.config.MaxSize || time.Since(handle.StartedAt) > p.config.MaxIdleTime {
		return p.driver.DestroyVM(ctx, name)
	}

	select {
	case p.available <- handle:
	default:
		return p.driver.DestroyVM(ctx, name)
	}
	return nil
}

// Warm adds count pre-warmed VMs to the pool, bounded by WarmConcurrency.
func (p *Pool) Warm(ctx context.Context, count int, spec VMSpec) error {
	var wg sync.WaitGroup
	errCh := make(chan error, count)

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := p.warmSem.Acquire(ctx, 1); err != nil {
				errCh <- err
				return
			}
			defer p.warmSem.Release(1)

			warmSpec := spec
			warmSpec.Name = fmt.Sprintf("warm-%d-%d", time.Now().UnixNano(), idx)
			handle, err := p.driver.CreateVM(ctx, warmSpec)
			if err != nil {
				errCh <- err
				return
			}

			select {
			case p.available <- handle:
			default:
				_ = p.driver.DestroyVM(ctx, handle.Name)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	var failed int
	for range errCh {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("failed to warm %d of %d vms", failed, count)
	}
	return nil
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available:   len(p.available),
		InUse:       len(p.inUse),
		MaxSize:     p.config.MaxSize,
		TotalServed: atomic.LoadInt64(&p.stats.totalServed),
		PoolHits:    atomic.LoadInt64(&p.stats.poolHits),
		PoolMisses:  atomic.LoadInt64(&p.stats.poolMisses),
	}
}

// Close stops the replenish loop and destroys every pooled and in-use VM.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	close(p.available)
	for handle := range p.available {
		_ = p.driver.DestroyVM(ctx, handle.Name)
	}

	p.mu.Lock()
	for name := range p.inUse {
		_ = p.driver.DestroyVM(ctx, name)
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) createFresh(ctx context.Context, spec VMSpec) (*VMHandle, error) {
	handle, err := p.driver.CreateVM(ctx, spec)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.inUse[handle.Name] = handle
	p.mu.Unlock()
	return handle, nil
}

func (p *Pool) replenishLoop() {
	ticker := time.NewTicker(p.config.ReplenishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

func (p *Pool) replenish() {
	p.mu.Lock()
	current := len(p.available)
	p.mu.Unlock()

	if current >= p.config.MinSize {
		return
	}
	needed := p.config.MinSize - current
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	if err := p.Warm(ctx, needed, p.config.DefaultSpec); err != nil {
		p.log.WithError(err).Warn("pool replenish failed")
	}
}

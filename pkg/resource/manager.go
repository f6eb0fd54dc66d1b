// Package resource implements the Resource Accounting & Auto-Scaling Engine:
// per-VM allocations, per-user quotas, host-usage sampling, and
// recommendation/auto-resize logic (spec §4.1).
//
// Grounded on the teacher's pkg/vm/manager.go for the mutex-guarded map
// idiom and logrus wiring, and on original_source/src/core/resource_manager.py
// for the allocation/admission/recommendation algorithms themselves.
package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/hypervisor"
)

// Sampler supplies the physical host readings get_system_resources() needs.
// Implemented separately so tests can fake the host instead of reading real
// /proc data; production code backs it with gopsutil-style syscalls.
type Sampler interface {
	CPUCount() int
	CPUPercent(ctx context.Context) (float64, error)
	LoadAverage() ([]float64, error)
	MemoryMB() (total, available int64, err error)
	DiskGB(path string) (total, available int64, err error)
}

// OptimizationThresholds are the percentage cutoffs used to classify a VM as
// under- or over-utilized. Defaults pinned from
// original_source/src/core/resource_manager.py.
type OptimizationThresholds struct {
	CPUUnderutilization    float64
	MemoryUnderutilization float64
	CPUOverutilization     float64
	MemoryOverutilization  float64
	ResourcePressure       float64
}

// DefaultOptimizationThresholds returns the source's pinned constants.
func DefaultOptimizationThresholds() OptimizationThresholds {
	return OptimizationThresholds{
		CPUUnderutilization:    10.0,
		MemoryUnderutilization: 20.0,
		CPUOverutilization:     90.0,
		MemoryOverutilization:  85.0,
		ResourcePressure:       80.0,
	}
}

// Config bounds the Manager's behavior.
type Config struct {
	MaxVCPUsPerVM  int
	MaxMemoryPerVM int
	MaxDiskPerVM   int
	MaxVMs         int
	RootPath       string // filesystem root to sample disk usage for, default "/"
	MaxHistory     int
	Thresholds     OptimizationThresholds
}

// DefaultConfig mirrors the source's system_limits defaults.
func DefaultConfig() Config {
	return Config{
		MaxVCPUsPerVM:  8,
		MaxMemoryPerVM: 8192,
		MaxDiskPerVM:   100,
		MaxVMs:         50,
		RootPath:       "/",
		MaxHistory:     1000,
		Thresholds:     DefaultOptimizationThresholds(),
	}
}

// Manager is the Resource Accounting & Auto-Scaling Engine. All exported
// methods are safe for concurrent use; admission, resize, and deallocation
// are serialized by mu, the single critical section that enforces
// Σ allocated ≤ host totals (spec §5).
type Manager struct {
	mu sync.Mutex

	config   Config
	sampler  Sampler
	log      *logrus.Entry
	systemLimits domain.ResourceQuota

	allocations map[string]*domain.ResourceAllocation
	quotas      map[string]domain.ResourceQuota

	usageHistory []domain.SystemResourceUsage

	monitoringEnabled   bool
	optimizationEnabled bool
	scalingEnabled      bool

	driver hypervisor.Driver
}

// SetDriver wires the VM driver the admission flow calls into: a successful
// Allocate creates the underlying VM, and Deallocate destroys it. Optional —
// a Manager with no driver set only does resource accounting, the way
// existing tests construct it.
func (m *Manager) SetDriver(d hypervisor.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver = d
}

// NewManager constructs a Manager. sampler must be non-nil.
func NewManager(config Config, sampler Sampler, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithField("component", "resource_manager")

	m := &Manager{
		config:  config,
		sampler: sampler,
		log:     log,
		systemLimits: domain.ResourceQuota{
			MaxVCPUs:    config.MaxVCPUsPerVM,
			MaxMemoryMB: config.MaxMemoryPerVM,
			MaxDiskGB:   config.MaxDiskPerVM,
			MaxVMs:      config.MaxVMs,
		},
		allocations:         make(map[string]*domain.ResourceAllocation),
		quotas:              make(map[string]domain.ResourceQuota),
		monitoringEnabled:   true,
		optimizationEnabled: true,
		scalingEnabled:      true,
	}

	log.WithFields(logrus.Fields{
		"max_vcpus_per_vm": config.MaxVCPUsPerVM,
		"max_memory_per_vm": config.MaxMemoryPerVM,
		"max_vms": config.MaxVMs,
	}).Info("resource manager initialized")

	return m
}

// GetSystemResources samples the host and returns a usage snapshot,
// appending it to the bounded history ring buffer.
func (m *Manager) GetSystemResources(ctx context.Context) (domain.SystemResourceUsage, error) {
	cpuCount := m.sampler.CPUCount()
	cpuPercent, err := m.sampler.CPUPercent(ctx)
	if err != nil {
		return domain.SystemResourceUsage{}, domain.WrapTransient("sample cpu", err)
	}
	loadAvg, err := m.sampler.LoadAverage()
	if err != nil {
		loadAvg = []float64{0, 0, 0}
	}
	totalMemMB, availMemMB, err := m.sampler.MemoryMB()
	if err != nil {
		return domain.SystemResourceUsage{}, domain.WrapTransient("sample memory", err)
	}
	totalDiskGB, availDiskGB, err := m.sampler.DiskGB(m.config.RootPath)
	if err != nil {
		return domain.SystemResourceUsage{}, domain.WrapTransient("sample disk", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var allocVCPUs, allocDiskGB int
	var allocMemMB int64
	for _, a := range m.allocations {
		allocVCPUs += a.VCPUs
		allocMemMB += int64(a.MemoryMB)
		allocDiskGB += a.DiskGB
	}

	usedMemMB := (totalMemMB - availMemMB) + allocMemMB
	usedDiskGB := (totalDiskGB - availDiskGB) + int64(allocDiskGB)

	usage := domain.SystemResourceUsage{
		TotalVCPUs:        cpuCount,
		AvailableVCPUs:    max0(cpuCount - allocVCPUs),
		UsedVCPUs:         allocVCPUs,
		TotalMemoryMB:     totalMemMB,
		AvailableMemoryMB: max0i64(availMemMB - allocMemMB),
		UsedMemoryMB:      usedMemMB,
		TotalDiskGB:       totalDiskGB,
		AvailableDiskGB:   max0i64(availDiskGB - int64(allocDiskGB)),
		UsedDiskGB:        usedDiskGB,
		ActiveVMs:         len(m.allocations),
		CPUUsagePercent:   cpuPercent,
		LoadAverage:       loadAvg,
		Timestamp:         time.Now(),
	}
	if totalMemMB > 0 {
		usage.MemoryUsagePercent = float64(usedMemMB) / float64(totalMemMB) * 100
	}
	if totalDiskGB > 0 {
		usage.DiskUsagePercent = float64(usedDiskGB) / float64(totalDiskGB) * 100
	}

	if m.monitoringEnabled {
		m.usageHistory = append(m.usageHistory, usage)
		if len(m.usageHistory) > m.config.MaxHistory {
			m.usageHistory = m.usageHistory[len(m.usageHistory)-m.config.MaxHistory:]
		}
	}

	return usage, nil
}

// Allocate admits a new VM's resource claim. Returns false (never an error)
// for any admission failure per §4.1's non-fatal failure semantics.
func (m *Manager) Allocate(ctx context.Context, vmName string, vcpus, memoryMB, diskGB, priority int, quota *domain.ResourceQuota) (bool, error) {
	usage, err := m.GetSystemResources(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[vmName]; exists {
		m.log.WithField("vm", vmName).Warn("vm already has a resource allocation")
		return false, nil
	}

	effective := domain.DefaultQuota()
	if quota != nil {
		effective = *quota
	} else if q, ok := m.quotas[vmName]; ok {
		effective = q
	}

	if !withinQuota(vcpus, memoryMB, diskGB, effective) {
		m.log.WithField("vm", vmName).Error("resource request exceeds quota limits")
		return false, nil
	}
	if !withinQuota(vcpus, memoryMB, diskGB, m.systemLimits) {
		m.log.WithField("vm", vmName).Error("resource request exceeds system limits")
		return false, nil
	}
	if !fitsAvailable(usage, vcpus, memoryMB, diskGB) {
		m.log.WithField("vm", vmName).Error("insufficient system resources")
		return false, nil
	}
	if len(m.allocations) >= m.systemLimits.MaxVMs {
		m.log.WithField("limit", m.systemLimits.MaxVMs).Error("maximum vm limit reached")
		return false, nil
	}

	if m.driver != nil {
		if _, err := m.driver.CreateVM(ctx, hypervisor.VMSpec{
			Name:     vmName,
			VCPUs:    int64(vcpus),
			MemoryMB: int64(memoryMB),
		}); err != nil {
			m.log.WithError(err).WithField("vm", vmName).Error("driver failed to create vm, rejecting allocation")
			return false, nil
		}
	}

	now := time.Now()
	m.allocations[vmName] = &domain.ResourceAllocation{
		AllocationID: uuid.New().String(),
		VMName:       vmName,
		VCPUs:        vcpus,
		MemoryMB:     memoryMB,
		DiskGB:       diskGB,
		Priority:     priority,
		AllocatedAt:  now,
		LastUpdated:  now,
	}

	m.log.WithFields(logrus.Fields{"vm": vmName, "vcpus": vcpus, "memory_mb": memoryMB, "disk_gb": diskGB}).
		Info("allocated vm resources")
	return true, nil
}

// Deallocate removes a VM's allocation if present and, when a driver is
// wired in, destroys the underlying VM. Driver teardown is best-effort: a
// failure there doesn't leave the accounting record behind.
func (m *Manager) Deallocate(vmName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocations[vmName]
	if !ok {
		m.log.WithField("vm", vmName).Warn("no resource allocation found")
		return false
	}
	delete(m.allocations, vmName)

	if m.driver != nil {
		if err := m.driver.DestroyVM(context.Background(), vmName); err != nil {
			m.log.WithError(err).WithField("vm", vmName).Warn("driver failed to destroy vm during deallocation")
		}
	}

	m.log.WithFields(logrus.Fields{"vm": vmName, "vcpus": alloc.VCPUs, "memory_mb": alloc.MemoryMB}).
		Info("deallocated vm resources")
	return true
}

// UpdateUsage records observed CPU/memory utilization for a VM.
func (m *Manager) UpdateUsage(vmName string, cpuPercent, memPercent float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocations[vmName]
	if !ok {
		return false
	}
	alloc.CPUUsagePercent = cpuPercent
	alloc.MemoryUsagePercent = memPercent
	alloc.LastUpdated = time.Now()
	return true
}

// Resize changes a VM's vcpu/memory allocation. A decrease applies
// unconditionally; an increase is checked against currently available
// resources with the VM's own current allocation temporarily excluded, and
// is rejected (with the prior allocation untouched) if it would not fit.
func (m *Manager) Resize(ctx context.Context, vmName string, newVCPUs, newMemoryMB *int) (bool, error) {
	m.mu.Lock()
	alloc, ok := m.allocations[vmName]
	if !ok {
		m.mu.Unlock()
		m.log.WithField("vm", vmName).Error("no allocation found for resize")
		return false, nil
	}

	targetVCPUs := alloc.VCPUs
	if newVCPUs != nil {
		targetVCPUs = *newVCPUs
	}
	targetMemMB := alloc.MemoryMB
	if newMemoryMB != nil {
		targetMemMB = *newMemoryMB
	}

	if !withinQuota(targetVCPUs, targetMemMB, alloc.DiskGB, m.systemLimits) {
		m.mu.Unlock()
		m.log.WithField("vm", vmName).Error("new resource requirements exceed system limits")
		return false, nil
	}

	growing := targetVCPUs > alloc.VCPUs || targetMemMB > alloc.MemoryMB
	if !growing {
		alloc.VCPUs = targetVCPUs
		alloc.MemoryMB = targetMemMB
		alloc.LastUpdated = time.Now()
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"vm": vmName, "vcpus": targetVCPUs, "memory_mb": targetMemMB}).Info("resized vm")
		return true, nil
	}

	// Growing: temporarily remove the current allocation so availability
	// reflects what would remain if the resize is accepted, check it fits,
	// then reinstate either way.
	delete(m.allocations, vmName)
	m.mu.Unlock()

	usage, err := m.GetSystemResources(ctx)
	if err != nil {
		m.mu.Lock()
		m.allocations[vmName] = alloc
		m.mu.Unlock()
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !fitsAvailable(usage, targetVCPUs, targetMemMB, alloc.DiskGB) {
		m.allocations[vmName] = alloc
		m.log.WithField("vm", vmName).Error("insufficient resources for resize")
		return false, nil
	}

	alloc.VCPUs = targetVCPUs
	alloc.MemoryMB = targetMemMB
	alloc.LastUpdated = time.Now()
	m.allocations[vmName] = alloc

	m.log.WithFields(logrus.Fields{"vm": vmName, "vcpus": targetVCPUs, "memory_mb": targetMemMB}).Info("resized vm")
	return true, nil
}

// GetRecommendations analyzes every allocation for optimization
// opportunities, sorted by (urgency desc, estimated_savings desc).
func (m *Manager) GetRecommendations(ctx context.Context) ([]domain.ResourceRecommendation, error) {
	m.mu.Lock()
	enabled := m.optimizationEnabled
	m.mu.Unlock()
	if !enabled {
		return nil, nil
	}

	usage, err := m.GetSystemResources(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	allocs := make([]domain.ResourceAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		allocs = append(allocs, *a)
	}
	thresholds := m.config.Thresholds
	limits := m.systemLimits
	m.mu.Unlock()

	var recs []domain.ResourceRecommendation
	systemPressure := false
	if usage.TotalVCPUs > 0 {
		systemPressure = float64(usage.UsedVCPUs)/float64(usage.TotalVCPUs)*100 > thresholds.ResourcePressure
	}

	for _, a := range allocs {
		rec, ok := analyzeOptimization(a, thresholds, limits, systemPressure)
		if ok {
			recs = append(recs, rec)
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		ui, uj := urgencyRank(recs[i].Urgency), urgencyRank(recs[j].Urgency)
		if ui != uj {
			return ui > uj
		}
		return recs[i].EstimatedSavingsPercent > recs[j].EstimatedSavingsPercent
	})

	return recs, nil
}

// AutoScale applies Resize to every critical/high urgency recommendation and
// returns the VM names that were actually resized.
func (m *Manager) AutoScale(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	enabled := m.scalingEnabled
	m.mu.Unlock()
	if !enabled {
		return nil, nil
	}

	recs, err := m.GetRecommendations(ctx)
	if err != nil {
		return nil, err
	}

	var scaled []string
	for _, rec := range recs {
		if rec.Urgency != domain.UrgencyCritical && rec.Urgency != domain.UrgencyHigh {
			continue
		}
		vcpus := rec.RecommendedVCPUs
		mem := rec.RecommendedMemoryMB
		ok, err := m.Resize(ctx, rec.VMName, &vcpus, &mem)
		if err != nil {
			return scaled, err
		}
		if ok {
			scaled = append(scaled, rec.VMName)
			m.log.WithFields(logrus.Fields{"vm": rec.VMName, "reason": rec.Reason}).Info("auto-scaled vm")
		}
	}
	return scaled, nil
}

// GetAllocation returns a copy of a VM's allocation, if present.
func (m *Manager) GetAllocation(vmName string) (domain.ResourceAllocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[vmName]
	if !ok {
		return domain.ResourceAllocation{}, false
	}
	return *a, true
}

// ListAllocations returns a copy of every live allocation.
func (m *Manager) ListAllocations() []domain.ResourceAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ResourceAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, *a)
	}
	return out
}

// SetQuota sets the quota for a principal (user_id or vm_name keyspace,
// caller's choice).
func (m *Manager) SetQuota(principal string, quota domain.ResourceQuota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[principal] = quota
	m.log.WithField("principal", principal).Info("set quota")
}

// GetQuota returns the principal's quota, or DefaultQuota() if unset.
func (m *Manager) GetQuota(principal string) domain.ResourceQuota {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotas[principal]; ok {
		return q
	}
	return domain.DefaultQuota()
}

// Metrics is the structured dump returned by ExportMetrics.
type Metrics struct {
	SystemUsage         domain.SystemResourceUsage          `json:"system_usage"`
	Allocations         []domain.ResourceAllocation         `json:"allocations"`
	Quotas              map[string]domain.ResourceQuota     `json:"quotas"`
	OptimizationEnabled bool                                `json:"optimization_enabled"`
	ScalingEnabled      bool                                `json:"scaling_enabled"`
	MonitoringEnabled   bool                                `json:"monitoring_enabled"`
}

// ExportMetrics dumps the snapshot, every allocation, every quota, and the
// three feature flags.
func (m *Manager) ExportMetrics(ctx context.Context) (Metrics, error) {
	usage, err := m.GetSystemResources(ctx)
	if err != nil {
		return Metrics{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quotas := make(map[string]domain.ResourceQuota, len(m.quotas))
	for k, v := range m.quotas {
		quotas[k] = v
	}

	return Metrics{
		SystemUsage:         usage,
		Allocations:         m.listAllocationsLocked(),
		Quotas:              quotas,
		OptimizationEnabled: m.optimizationEnabled,
		ScalingEnabled:      m.scalingEnabled,
		MonitoringEnabled:   m.monitoringEnabled,
	}, nil
}

func (m *Manager) listAllocationsLocked() []domain.ResourceAllocation {
	out := make([]domain.ResourceAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, *a)
	}
	return out
}

// --- pure helpers, unexported ---

func withinQuota(vcpus, memoryMB, diskGB int, q domain.ResourceQuota) bool {
	return vcpus <= q.MaxVCPUs && memoryMB <= q.MaxMemoryMB && diskGB <= q.MaxDiskGB
}

func fitsAvailable(usage domain.SystemResourceUsage, vcpus, memoryMB, diskGB int) bool {
	return vcpus <= usage.AvailableVCPUs &&
		int64(memoryMB) <= usage.AvailableMemoryMB &&
		int64(diskGB) <= usage.AvailableDiskGB
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func max0i64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func urgencyRank(u domain.Urgency) int {
	switch u {
	case domain.UrgencyCritical:
		return 4
	case domain.UrgencyHigh:
		return 3
	case domain.UrgencyMedium:
		return 2
	case domain.UrgencyLow:
		return 1
	default:
		return 0
	}
}

// analyzeOptimization implements the classification rules from §4.1 / the
// source's _analyze_vm_optimization.
func analyzeOptimization(a domain.ResourceAllocation, t OptimizationThresholds, limits domain.ResourceQuota, systemPressure bool) (domain.ResourceRecommendation, bool) {
	cpuUnder := a.CPUUsagePercent < t.CPUUnderutilization
	memUnder := a.MemoryUsagePercent < t.MemoryUnderutilization
	cpuOver := a.CPUUsagePercent > t.CPUOverutilization
	memOver := a.MemoryUsagePercent > t.MemoryOverutilization

	switch {
	case cpuUnder && memUnder && systemPressure:
		newVCPUs := maxInt(1, a.VCPUs-1)
		newMem := maxInt(512, int(float64(a.MemoryMB)*0.8))
		savings := 0.0
		if a.VCPUs > 0 {
			savings = float64(a.VCPUs-newVCPUs) / float64(a.VCPUs) * 100
		}
		return domain.ResourceRecommendation{
			VMName:                  a.VMName,
			RecommendedVCPUs:        newVCPUs,
			RecommendedMemoryMB:     newMem,
			CurrentVCPUs:            a.VCPUs,
			CurrentMemoryMB:         a.MemoryMB,
			Reason:                  fmt.Sprintf("vm underutilized (cpu: %.1f%%, mem: %.1f%%) during system pressure", a.CPUUsagePercent, a.MemoryUsagePercent),
			Urgency:                 domain.UrgencyHigh,
			EstimatedSavingsPercent: savings,
		}, true

	case cpuOver || memOver:
		newVCPUs := a.VCPUs
		if cpuOver {
			newVCPUs = minInt(limits.MaxVCPUs, a.VCPUs+1)
		}
		newMem := a.MemoryMB
		if memOver {
			newMem = minInt(limits.MaxMemoryMB, int(float64(a.MemoryMB)*1.2))
		}
		urgency := domain.UrgencyHigh
		if cpuOver && memOver {
			urgency = domain.UrgencyCritical
		}
		return domain.ResourceRecommendation{
			VMName:              a.VMName,
			RecommendedVCPUs:    newVCPUs,
			RecommendedMemoryMB: newMem,
			CurrentVCPUs:        a.VCPUs,
			CurrentMemoryMB:     a.MemoryMB,
			Reason:              fmt.Sprintf("vm overutilized (cpu: %.1f%%, mem: %.1f%%)", a.CPUUsagePercent, a.MemoryUsagePercent),
			Urgency:             urgency,
		}, true
	}

	return domain.ResourceRecommendation{}, false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Package domain defines the core domain model for the microVM sandbox
// control plane: the ubiquitous language shared by the resource, network,
// image, VNC, and cluster subsystems.
package domain

import (
	"sync"
	"time"
)

// =============================================================================
// Resource accounting (§3, §4.1)
// =============================================================================

// ResourceQuota is an upper bound on one principal's resource claims.
type ResourceQuota struct {
	MaxVCPUs    int `json:"max_vcpus" toml:"max_vcpus"`
	MaxMemoryMB int `json:"max_memory_mb" toml:"max_memory_mb"`
	MaxDiskGB   int `json:"max_disk_gb" toml:"max_disk_gb"`
	MaxVMs      int `json:"max_vms" toml:"max_vms"`
	Priority    int `json:"priority" toml:"priority"`
}

// DefaultQuota is the quota applied to principals without an explicit one.
func DefaultQuota() ResourceQuota {
	return ResourceQuota{
		MaxVCPUs:    4,
		MaxMemoryMB: 2048,
		MaxDiskGB:   20,
		MaxVMs:      5,
		Priority:    1,
	}
}

// ResourceAllocation is the live accounting record for one VM's claim on
// host CPU, memory, and disk. vm_name is the primary key.
type ResourceAllocation struct {
	AllocationID       string    `json:"allocation_id"`
	VMName             string    `json:"vm_name"`
	VCPUs              int       `json:"vcpus"`
	MemoryMB           int       `json:"memory_mb"`
	DiskGB             int       `json:"disk_gb"`
	Priority           int       `json:"priority"`
	AllocatedAt        time.Time `json:"allocated_at"`
	LastUpdated        time.Time `json:"last_updated"`
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
}

// SystemResourceUsage is a point-in-time reading of host totals and current
// allocation sums. Immutable once produced.
type SystemResourceUsage struct {
	TotalVCPUs         int       `json:"total_vcpus"`
	AvailableVCPUs     int       `json:"available_vcpus"`
	UsedVCPUs          int       `json:"used_vcpus"`
	TotalMemoryMB      int64     `json:"total_memory_mb"`
	AvailableMemoryMB  int64     `json:"available_memory_mb"`
	UsedMemoryMB       int64     `json:"used_memory_mb"`
	TotalDiskGB        int64     `json:"total_disk_gb"`
	AvailableDiskGB    int64     `json:"available_disk_gb"`
	UsedDiskGB         int64     `json:"used_disk_gb"`
	ActiveVMs          int       `json:"active_vms"`
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	DiskUsagePercent   float64   `json:"disk_usage_percent"`
	LoadAverage        []float64 `json:"load_average"`
	Timestamp          time.Time `json:"timestamp"`
}

// Urgency classifies how pressing a ResourceRecommendation is.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ResourceRecommendation is a derived, transient proposal to resize a VM.
// Never persisted.
type ResourceRecommendation struct {
	VMName                  string  `json:"vm_name"`
	RecommendedVCPUs        int     `json:"recommended_vcpus"`
	RecommendedMemoryMB     int     `json:"recommended_memory_mb"`
	CurrentVCPUs            int     `json:"current_vcpus"`
	CurrentMemoryMB         int     `json:"current_memory_mb"`
	Reason                  string  `json:"reason"`
	Urgency                 Urgency `json:"urgency"`
	EstimatedSavingsPercent float64 `json:"estimated_savings_percent"`
}

// =============================================================================
// Network bindings (§3, §4.2)
// =============================================================================

// VMNetworkInfo describes the result of attaching a VM to the bridge.
type VMNetworkInfo struct {
	TapName    string `json:"tap_name"`
	VMIP       string `json:"vm_ip"`
	BridgeName string `json:"bridge_name"`
	Subnet     string `json:"subnet"`
	RxBytes    uint64 `json:"rx_bytes,omitempty"`
	TxBytes    uint64 `json:"tx_bytes,omitempty"`
}

// =============================================================================
// Image registry (§3, §4.3)
// =============================================================================

// OSType is the guest operating system family of an image.
type OSType string

const (
	OSLinux   OSType = "linux"
	OSWindows OSType = "windows"
)

// ImageRecord is one entry in the persisted JSON image registry.
type ImageRecord struct {
	Name      string                 `json:"name"`
	Path      string                 `json:"path"`
	OSType    OSType                 `json:"os_type"`
	SizeBytes int64                  `json:"size_bytes"`
	Checksum  string                 `json:"sha256_checksum"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// =============================================================================
// VNC sessions (§3, §4.4)
// =============================================================================

// VNCType distinguishes the two VNC backends a session may use.
type VNCType string

const (
	VNCGuest      VNCType = "guest"
	VNCHypervisor VNCType = "hypervisor"
)

// VNCSession is the live record for one VM's VNC access. Exactly one per
// vm_name; display values are unique across all live sessions.
type VNCSession struct {
	mu sync.Mutex

	VMName          string    `json:"vm_name"`
	Display         int       `json:"display"`
	Port            int       `json:"port"`
	Password        string    `json:"-"`
	Type            VNCType   `json:"vnc_type"`
	OSType          OSType    `json:"os_type"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	ConnectionCount int       `json:"connection_count"`

	// PID is the owned VNC server process id, 0 if this session does not
	// own a process (hypervisor-type sessions never spawn one).
	PID int `json:"pid,omitempty"`
}

// Touch updates LastActivity under the session's own lock, used after every
// successful input/screenshot dispatch.
func (s *VNCSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// =============================================================================
// Cluster layer (§3, §4.5-4.7)
// =============================================================================

// InstanceStatus is the health state of a peer ServiceInstance.
type InstanceStatus string

const (
	InstanceStarting  InstanceStatus = "starting"
	InstanceHealthy   InstanceStatus = "healthy"
	InstanceUnhealthy InstanceStatus = "unhealthy"
	InstanceStopping  InstanceStatus = "stopping"
)

// ServiceInstance is a peer control-plane process discovered by Service
// Discovery.
type ServiceInstance struct {
	ID            string            `json:"id"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Status        InstanceStatus    `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	LoadScore     float64           `json:"load_score"`
	Capabilities  []string          `json:"capabilities"`
	Metadata      map[string]string `json:"metadata"`
}

// LBAlgorithm selects the Load Balancer's instance-selection policy.
type LBAlgorithm string

const (
	AlgoRoundRobin         LBAlgorithm = "round_robin"
	AlgoWeightedRoundRobin LBAlgorithm = "weighted_round_robin"
	AlgoLeastConnections   LBAlgorithm = "least_connections"
)

// LoadBalancingConfig configures the Load Balancer.
type LoadBalancingConfig struct {
	Algorithm               LBAlgorithm `json:"algorithm"`
	HealthCheckIntervalS    int         `json:"health_check_interval_s"`
	MaxRetries              int         `json:"max_retries"`
	TimeoutS                int         `json:"timeout_s"`
	StickySessions          bool        `json:"sticky_sessions"`
	SessionAffinityTimeoutS int         `json:"session_affinity_timeout_s"`
}

// DefaultLoadBalancingConfig mirrors the source's LoadBalancingConfig defaults.
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	return LoadBalancingConfig{
		Algorithm:               AlgoWeightedRoundRobin,
		HealthCheckIntervalS:    30,
		MaxRetries:              3,
		TimeoutS:                10,
		StickySessions:          false,
		SessionAffinityTimeoutS: 3600,
	}
}

// ScaleAction is the result of one Horizontal Scaler tick.
type ScaleAction string

const (
	ScaleNone ScaleAction = "none"
	ScaleUp   ScaleAction = "scale_up"
	ScaleDown ScaleAction = "scale_down"
)

// ScaleResult records the outcome of one auto_scale() tick (§4.7).
type ScaleResult struct {
	Action          ScaleAction     `json:"action"`
	Applied         bool            `json:"applied"`
	CurrentReplicas int             `json:"current_replicas"`
	NewReplicas     int             `json:"new_replicas"`
	Metrics         ClusterMetrics  `json:"metrics"`
	Thresholds      ScaleThresholds `json:"thresholds"`
}

// ClusterMetrics is the aggregate sample the Horizontal Scaler reasons about.
type ClusterMetrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	RequestRate float64 `json:"request_rate"`
}

// ScaleThresholds echoes the configured targets/thresholds for observability.
type ScaleThresholds struct {
	CPUTarget          int     `json:"cpu_target"`
	MemoryTarget       int     `json:"memory_target"`
	ScaleUpThreshold   float64 `json:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold"`
}

// Package config provides centralized configuration management for the
// microVM sandbox control plane.
//
// Configuration can be loaded from:
//   - a TOML configuration file (default: /etc/microvm-sandbox/config.toml)
//   - environment variables (prefixed with MICROVM_)
//
// Configuration is organized into sections matching the domain components:
// Runtime, Resources, Network, Image, VNC, Cluster, Metrics, Log, Hypervisor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the microvm-sandboxd process.
type Config struct {
	Runtime    RuntimeConfig    `toml:"runtime"`
	Resources  ResourcesConfig  `toml:"resources"`
	Network    NetworkConfig    `toml:"network"`
	Image      ImageConfig      `toml:"image"`
	VNC        VNCConfig        `toml:"vnc"`
	Cluster    ClusterConfig    `toml:"cluster"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Log        LogConfig        `toml:"log"`
	Hypervisor HypervisorConfig `toml:"hypervisor"`
}

// RuntimeConfig holds general daemon settings.
type RuntimeConfig struct {
	RuntimeDir      string        `toml:"runtime_dir"`
	ListenAddress   string        `toml:"listen_address"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// ResourcesConfig parameterizes the Resource Accounting & Auto-Scaling Engine.
type ResourcesConfig struct {
	MaxVCPUsPerVM  int    `toml:"max_vcpus_per_vm"`
	MaxMemoryPerVM int    `toml:"max_memory_per_vm_mb"`
	MaxDiskPerVM   int    `toml:"max_disk_per_vm_gb"`
	MaxVMs         int    `toml:"max_vms"`
	RootPath       string `toml:"root_path"`
	MaxHistory     int    `toml:"max_history"`

	CPUUnderutilizationPct    float64 `toml:"cpu_underutilization_pct"`
	MemoryUnderutilizationPct float64 `toml:"memory_underutilization_pct"`
	CPUOverutilizationPct     float64 `toml:"cpu_overutilization_pct"`
	MemoryOverutilizationPct  float64 `toml:"memory_overutilization_pct"`
	ResourcePressurePct       float64 `toml:"resource_pressure_pct"`
}

// NetworkConfig parameterizes the Network Manager.
type NetworkConfig struct {
	BridgeName  string `toml:"bridge_name"`
	BridgeIP    string `toml:"bridge_ip"`
	Subnet      string `toml:"subnet"`
	PortRangeLo int    `toml:"port_range_lo"`
	PortRangeHi int    `toml:"port_range_hi"`
}

// ImageConfig parameterizes the Image Registry.
type ImageConfig struct {
	RootDir      string `toml:"root_dir"`
	RegistryFile string `toml:"registry_file"`
}

// VNCConfig parameterizes the VNC Session Manager.
type VNCConfig struct {
	BaseDisplay int    `toml:"base_display"`
	BasePort    int    `toml:"base_port"`
	MaxSessions int     `toml:"max_sessions"`
	StateDir    string `toml:"state_dir"`
}

// ClusterConfig parameterizes service discovery, the load balancer, and the
// horizontal scaler.
type ClusterConfig struct {
	Algorithm               string        `toml:"algorithm"`
	HealthCheckInterval     time.Duration `toml:"health_check_interval"`
	MaxRetries              int           `toml:"max_retries"`
	RequestTimeout          time.Duration `toml:"request_timeout"`
	StickySessions          bool          `toml:"sticky_sessions"`
	SessionAffinityTimeout  time.Duration `toml:"session_affinity_timeout"`
	StaticHosts             []string      `toml:"static_hosts"`
	KubernetesNamespace     string        `toml:"kubernetes_namespace"`
	DeploymentName          string        `toml:"deployment_name"`
	MinReplicas             int           `toml:"min_replicas"`
	MaxReplicas             int           `toml:"max_replicas"`
	TargetCPUPercent        float64       `toml:"target_cpu_percent"`
	TargetMemoryPercent     float64       `toml:"target_memory_percent"`
	ScaleUpThreshold        float64       `toml:"scale_up_threshold"`
	ScaleDownThreshold      float64       `toml:"scale_down_threshold"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// HypervisorConfig parameterizes the Firecracker VM driver.
type HypervisorConfig struct {
	FirecrackerBinary string `toml:"firecracker_binary"`
	RuntimeDir        string `toml:"runtime_dir"`
	DefaultKernelPath string `toml:"default_kernel_path"`
	DefaultKernelArgs string `toml:"default_kernel_args"`
}

// Default returns a Config with sensible defaults, mirroring the constants
// pinned in original_source/src/core/resource_manager.py and
// src/utils/scaling.py.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			RuntimeDir:      "/run/microvm-sandbox",
			ListenAddress:   ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Resources: ResourcesConfig{
			MaxVCPUsPerVM:             8,
			MaxMemoryPerVM:            8192,
			MaxDiskPerVM:              100,
			MaxVMs:                    50,
			RootPath:                  "/",
			MaxHistory:                1000,
			CPUUnderutilizationPct:    10.0,
			MemoryUnderutilizationPct: 20.0,
			CPUOverutilizationPct:     90.0,
			MemoryOverutilizationPct:  85.0,
			ResourcePressurePct:       80.0,
		},
		Network: NetworkConfig{
			BridgeName:  "microvm0",
			BridgeIP:    "192.168.127.1/24",
			Subnet:      "192.168.127.0/24",
			PortRangeLo: 10000,
			PortRangeHi: 20000,
		},
		Image: ImageConfig{
			RootDir:      "/var/lib/microvm-sandbox/images",
			RegistryFile: "/var/lib/microvm-sandbox/images/registry.json",
		},
		VNC: VNCConfig{
			BaseDisplay: 100,
			BasePort:    5900,
			MaxSessions: 50,
			StateDir:    "/var/lib/microvm-sandbox/vnc",
		},
		Cluster: ClusterConfig{
			Algorithm:              "weighted_round_robin",
			HealthCheckInterval:    30 * time.Second,
			MaxRetries:             3,
			RequestTimeout:         10 * time.Second,
			StickySessions:         false,
			SessionAffinityTimeout: time.Hour,
			KubernetesNamespace:    "default",
			DeploymentName:         "microvm-sandbox",
			MinReplicas:            1,
			MaxReplicas:            10,
			TargetCPUPercent:       70.0,
			TargetMemoryPercent:    70.0,
			ScaleUpThreshold:       0.8,
			ScaleDownThreshold:     0.5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Hypervisor: HypervisorConfig{
			FirecrackerBinary: "/usr/bin/firecracker",
			RuntimeDir:        "/run/microvm-sandbox/vms",
			DefaultKernelPath: "/var/lib/microvm-sandbox/vmlinux",
			DefaultKernelArgs: "console=ttyS0 reboot=k panic=1 pci=off quiet",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, falling back to
// defaults if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variable overrides onto cfg.
// Example: MICROVM_RESOURCES_MAX_VMS=100
func LoadFromEnv(cfg *Config) {
	loadEnvString(&cfg.Runtime.RuntimeDir, "MICROVM_RUNTIME_DIR")
	loadEnvString(&cfg.Runtime.ListenAddress, "MICROVM_LISTEN_ADDRESS")
	loadEnvDuration(&cfg.Runtime.ShutdownTimeout, "MICROVM_SHUTDOWN_TIMEOUT")

	loadEnvInt(&cfg.Resources.MaxVCPUsPerVM, "MICROVM_RESOURCES_MAX_VCPUS_PER_VM")
	loadEnvInt(&cfg.Resources.MaxMemoryPerVM, "MICROVM_RESOURCES_MAX_MEMORY_PER_VM")
	loadEnvInt(&cfg.Resources.MaxVMs, "MICROVM_RESOURCES_MAX_VMS")

	loadEnvString(&cfg.Network.BridgeName, "MICROVM_NETWORK_BRIDGE_NAME")
	loadEnvString(&cfg.Network.Subnet, "MICROVM_NETWORK_SUBNET")

	loadEnvString(&cfg.Image.RootDir, "MICROVM_IMAGE_ROOT_DIR")

	loadEnvInt(&cfg.VNC.MaxSessions, "MICROVM_VNC_MAX_SESSIONS")

	loadEnvString(&cfg.Cluster.Algorithm, "MICROVM_CLUSTER_ALGORITHM")
	if v := os.Getenv("MICROVM_CLUSTER_HOSTS"); v != "" {
		cfg.Cluster.StaticHosts = strings.Split(v, ",")
	}
	loadEnvInt(&cfg.Cluster.MinReplicas, "MICROVM_CLUSTER_MIN_REPLICAS")
	loadEnvInt(&cfg.Cluster.MaxReplicas, "MICROVM_CLUSTER_MAX_REPLICAS")

	loadEnvBool(&cfg.Metrics.Enabled, "MICROVM_METRICS_ENABLED")
	loadEnvString(&cfg.Metrics.Address, "MICROVM_METRICS_ADDRESS")

	loadEnvString(&cfg.Log.Level, "MICROVM_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "MICROVM_LOG_FORMAT")

	loadEnvString(&cfg.Hypervisor.FirecrackerBinary, "MICROVM_HYPERVISOR_FIRECRACKER_BINARY")
	loadEnvString(&cfg.Hypervisor.RuntimeDir, "MICROVM_HYPERVISOR_RUNTIME_DIR")
	loadEnvString(&cfg.Hypervisor.DefaultKernelPath, "MICROVM_HYPERVISOR_DEFAULT_KERNEL_PATH")
}

// Validate checks cross-field invariants that TOML/env parsing cannot.
func (c *Config) Validate() error {
	if c.Resources.MaxVMs <= 0 {
		return fmt.Errorf("resources.max_vms must be positive")
	}
	if c.Cluster.MinReplicas > c.Cluster.MaxReplicas {
		return fmt.Errorf("cluster min_replicas (%d) > max_replicas (%d)", c.Cluster.MinReplicas, c.Cluster.MaxReplicas)
	}
	if c.Cluster.ScaleDownThreshold >= c.Cluster.ScaleUpThreshold {
		return fmt.Errorf("cluster scale_down_threshold (%.2f) must be below scale_up_threshold (%.2f)",
			c.Cluster.ScaleDownThreshold, c.Cluster.ScaleUpThreshold)
	}
	if c.VNC.BasePort <= 0 {
		return fmt.Errorf("vnc.base_port must be positive")
	}
	if c.Network.PortRangeLo >= c.Network.PortRangeHi {
		return fmt.Errorf("network port_range_lo (%d) must be below port_range_hi (%d)", c.Network.PortRangeLo, c.Network.PortRangeHi)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger configures a logrus.Logger per the Log section.
func ApplyToLogger(logger *logrus.Logger, cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("config: invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("config: open log file %s: %w", cfg.File, err)
		}
		logger.SetOutput(f)
	}

	return nil
}

func loadEnvString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func loadEnvInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func loadEnvBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func loadEnvDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Package hypervisor is the thin, interface-bound VM driver behind the
// control plane's resource admission flow. pkg/resource's Manager depends
// only on the Driver interface, not on FirecrackerDriver directly, the same
// way the rest of the core depends on Sampler, Backend, and Executor rather
// than concrete implementations.
//
// Adapted from the teacher's pkg/vm/manager.go: the machine-config assembly
// and start/stop/destroy lifecycle are unchanged in shape, generalized from
// a container-sandbox VM (vsock CID, agent connection, container map) to a
// bare microVM keyed by the control plane's vm_name.
package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
)

// VMState is the lifecycle state of a driven VM.
type VMState string

const (
	VMStarting VMState = "starting"
	VMRunning  VMState = "running"
	VMStopped  VMState = "stopped"
	VMPaused   VMState = "paused"
)

// VMSpec is what a caller asks the driver to build. It carries only the
// physical shape of the machine; the control plane's own ResourceAllocation
// is the accounting record, kept separately by pkg/resource.
type VMSpec struct {
	Name       string
	VCPUs      int64
	MemoryMB   int64
	SMTEnabled bool
	KernelPath string
	KernelArgs string
	RootfsPath string
	ReadOnly   bool
}

// VMHandle is the live record the driver returns for a running VM.
type VMHandle struct {
	Name      string
	PID       int
	VsockCID  uint32
	State     VMState
	StartedAt time.Time
	Spec      VMSpec

	machine *firecracker.Machine
}

// Driver is the interface the rest of the control plane depends on. The
// only concrete implementation is FirecrackerDriver; tests substitute a
// fake rather than driving real Firecracker processes.
type Driver interface {
	CreateVM(ctx context.Context, spec VMSpec) (*VMHandle, error)
	StopVM(ctx context.Context, name string) error
	DestroyVM(ctx context.Context, name string) error
	PauseVM(ctx context.Context, name string) error
	ResumeVM(ctx context.Context, name string) error
	GetVM(name string) (*VMHandle, bool)
	ListVMs() []*VMHandle
}

// FirecrackerDriver implements Driver over firecracker-go-sdk.
type FirecrackerDriver struct {
	mu sync.RWMutex

	config     Config
	log        *logrus.Entry
	vms        map[string]*VMHandle
	cidCounter uint32
}

// Config configures the driver's on-disk layout and binary locations.
type Config struct {
	FirecrackerBinary string
	RuntimeDir        string
	DefaultKernelPath string
	DefaultKernelArgs string
}

// DefaultConfig mirrors the teacher's DefaultManagerConfig.
func DefaultConfig() Config {
	return Config{
		FirecrackerBinary: "/usr/bin/firecracker",
		RuntimeDir:        "/run/microvm-sandboxd",
		DefaultKernelPath: "/var/lib/microvm-sandboxd/vmlinux",
		DefaultKernelArgs: "console=ttyS0 reboot=k panic=1 pci=off quiet",
	}
}

// NewFirecrackerDriver constructs a driver rooted at config.RuntimeDir.
func NewFirecrackerDriver(config Config, log *logrus.Entry) (*FirecrackerDriver, error) {
	if err := os.MkdirAll(config.RuntimeDir, 0755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &FirecrackerDriver{
		config:     config,
		log:        log.WithField("component", "hypervisor_driver"),
		vms:        make(map[string]*VMHandle),
		cidCounter: 3, // 0=hypervisor, 1=reserved, 2=host
	}, nil
}

// CreateVM starts a Firecracker microVM for spec. spec.Name must be unique
// among live VMs.
func (d *FirecrackerDriver) CreateVM(ctx context.Context, spec VMSpec) (*VMHandle, error) {
	d.mu.Lock()
	if _, exists := d.vms[spec.Name]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("vm %q already exists", spec.Name)
	}
	cid := d.cidCounter
	d.cidCounter++
	d.mu.Unlock()

	if spec.KernelPath == "" {
		spec.KernelPath = d.config.DefaultKernelPath
	}
	if spec.KernelArgs == "" {
		spec.KernelArgs = d.config.DefaultKernelArgs
	}

	vmDir := filepath.Join(d.config.RuntimeDir, spec.Name)
	if err := os.MkdirAll(vmDir, 0755); err != nil {
		return nil, fmt.Errorf("create vm dir: %w", err)
	}
	socketPath := filepath.Join(vmDir, "firecracker.sock")
	vsockPath := filepath.Join(vmDir, "vsock.sock")

	fcConfig := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: spec.KernelPath,
		KernelArgs:      spec.KernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(spec.VCPUs),
			MemSizeMib: firecracker.Int64(spec.MemoryMB),
			Smt:        firecracker.Bool(spec.SMTEnabled),
		},
		VsockDevices: []firecracker.VsockDevice{
			{Path: vsockPath, CID: cid},
		},
	}

	if spec.RootfsPath != "" {
		fcConfig.Drives = []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(spec.RootfsPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(spec.ReadOnly),
			},
		}
	}

	machine, err := firecracker.NewMachine(ctx, fcConfig, firecracker.WithLogger(d.log))
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}
	if err := machine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start machine: %w", err)
	}

	pid, _ := machine.PID()
	handle := &VMHandle{
		Name:      spec.Name,
		PID:       pid,
		VsockCID:  cid,
		State:     VMRunning,
		StartedAt: time.Now(),
		Spec:      spec,
		machine:   machine,
	}

	d.mu.Lock()
	d.vms[spec.Name] = handle
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"vm": spec.Name, "pid": pid, "cid": cid}).Info("vm started")
	return handle, nil
}

// StopVM gracefully stops a running VM, falling back to a hard stop.
func (d *FirecrackerDriver) StopVM(ctx context.Context, name string) error {
	d.mu.RLock()
	handle, ok := d.vms[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vm %q not found", name)
	}

	if err := handle.machine.Shutdown(ctx); err != nil {
		d.log.WithError(err).WithField("vm", name).Warn("graceful shutdown failed, forcing stop")
		_ = handle.machine.StopVMM()
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := handle.machine.Wait(waitCtx); err != nil {
		d.log.WithError(err).WithField("vm", name).Warn("wait for vm exit failed")
	}

	d.mu.Lock()
	handle.State = VMStopped
	d.mu.Unlock()
	return nil
}

// DestroyVM stops the VM if running and removes its runtime directory.
func (d *FirecrackerDriver) DestroyVM(ctx context.Context, name string) error {
	d.mu.RLock()
	handle, ok := d.vms[name]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	if handle.State == VMRunning {
		if err := d.StopVM(ctx, name); err != nil {
			d.log.WithError(err).WithField("vm", name).Warn("error stopping vm during destroy")
		}
	}

	vmDir := filepath.Join(d.config.RuntimeDir, name)
	if err := os.RemoveAll(vmDir); err != nil {
		d.log.WithError(err).WithField("vm", name).Warn("failed to remove vm dir")
	}

	d.mu.Lock()
	delete(d.vms, name)
	d.mu.Unlock()
	return nil
}

// PauseVM suspends VM execution via the Firecracker API.
func (d *FirecrackerDriver) PauseVM(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle, ok := d.vms[name]
	if !ok {
		return fmt.Errorf("vm %q not found", name)
	}
	if err := handle.machine.PauseVM(ctx); err != nil {
		return err
	}
	handle.State = VMPaused
	return nil
}

// ResumeVM resumes a paused VM.
func (d *FirecrackerDriver) ResumeVM(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle, ok := d.vms[name]
	if !ok {
		return fmt.Errorf("vm %q not found", name)
	}
	if err := handle.machine.ResumeVM(ctx); err != nil {
		return err
	}
	handle.State = VMRunning
	return nil
}

// GetVM retrieves a VM handle by name.
func (d *FirecrackerDriver) GetVM(name string) (*VMHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.vms[name]
	return h, ok
}

// ListVMs returns all tracked VM handles.
func (d *FirecrackerDriver) ListVMs() []*VMHandle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*VMHandle, 0, len(d.vms))
	for _, h := range d.vms {
		out = append(out, h)
	}
	return out
}

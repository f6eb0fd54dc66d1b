// Jailer integration for process isolation: chroot, device nodes, and
// cgroup limits around the Firecracker binary. Adapted from the teacher's
// pkg/vm/jailer.go, generalized from domain.VMConfig/sandboxID to VMSpec's
// vm_name.
package hypervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// JailerConfig configures chroot/cgroup isolation for jailed VMs.
type JailerConfig struct {
	Enabled           bool
	JailerBinary      string
	FirecrackerBinary string
	ChrootBaseDir     string
	UID               int
	GID               int
	CgroupVersion     string
	CgroupParent      string
	ResourceLimits    JailerResourceLimits
}

// JailerResourceLimits bounds one jailed VM's cgroup allowance.
type JailerResourceLimits struct {
	MaxMemoryBytes uint64
	CPUWeight      uint64
	CPUQuota       int64
	CPUPeriod      int64
}

// DefaultJailerConfig mirrors the teacher's defaults, opt-in by design.
func DefaultJailerConfig() JailerConfig {
	return JailerConfig{
		Enabled:           false,
		JailerBinary:      "/usr/bin/jailer",
		FirecrackerBinary: "/usr/bin/firecracker",
		ChrootBaseDir:     "/srv/jailer",
		UID:               1000,
		GID:               1000,
		CgroupVersion:     "2",
		CgroupParent:      "microvm-sandboxd.slice",
		ResourceLimits: JailerResourceLimits{
			CPUWeight: 100,
			CPUPeriod: 100000,
		},
	}
}

// JailedVM is the chroot/cgroup environment prepared for one vm_name.
type JailedVM struct {
	Name       string
	ChrootDir  string
	SocketPath string
	PID        int
	CgroupPath string
}

// Jailer manages jailed Firecracker environments, one per vm_name.
type Jailer struct {
	mu sync.Mutex

	config JailerConfig
	log    *logrus.Entry
	jailed map[string]*JailedVM
}

// NewJailer validates prerequisites (when enabled) and constructs a Jailer.
func NewJailer(config JailerConfig, log *logrus.Entry) (*Jailer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	j := &Jailer{config: config, log: log.WithField("component", "jailer"), jailed: make(map[string]*JailedVM)}
	if !config.Enabled {
		return j, nil
	}
	if err := CheckJailerPrerequisites(config); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.ChrootBaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create chroot base dir: %w", err)
	}
	return j, nil
}

// Prepare builds the chroot and device nodes for spec and records cgroup
// limits, returning the jailer argv to exec the jailer binary with.
func (j *Jailer) Prepare(spec VMSpec) (*JailedVM, []string, error) {
	if !j.config.Enabled {
		return nil, nil, fmt.Errorf("jailer not enabled")
	}

	chrootDir := filepath.Join(j.config.ChrootBaseDir, "firecracker", spec.Name, "root")
	if err := j.setupChrootDir(chrootDir); err != nil {
		return nil, nil, fmt.Errorf("setup chroot: %w", err)
	}
	j.setupDevices(chrootDir)

	if err := j.bindMount(spec.KernelPath, filepath.Join(chrootDir, "kernel")); err != nil {
		j.cleanupChroot(chrootDir)
		return nil, nil, fmt.Errorf("bind mount kernel: %w", err)
	}
	if spec.RootfsPath != "" {
		if err := j.bindMount(spec.RootfsPath, filepath.Join(chrootDir, "rootfs.ext4")); err != nil {
			j.cleanupChroot(chrootDir)
			return nil, nil, fmt.Errorf("bind mount rootfs: %w", err)
		}
	}

	jailed := &JailedVM{Name: spec.Name, ChrootDir: chrootDir, SocketPath: filepath.Join(chrootDir, "run", "firecracker.socket")}
	if err := j.setupCgroup(jailed); err != nil {
		j.cleanupChroot(chrootDir)
		return nil, nil, fmt.Errorf("setup cgroup: %w", err)
	}

	j.mu.Lock()
	j.jailed[spec.Name] = jailed
	j.mu.Unlock()

	return jailed, j.args(jailed), nil
}

func (j *Jailer) args(jailed *JailedVM) []string {
	args := []string{
		"--id", jailed.Name,
		"--exec-file", j.config.FirecrackerBinary,
		"--uid", strconv.Itoa(j.config.UID),
		"--gid", strconv.Itoa(j.config.GID),
		"--chroot-base-dir", j.config.ChrootBaseDir,
	}
	if j.config.CgroupVersion == "2" {
		args = append(args, "--cgroup-version", "2")
	}
	if j.config.CgroupParent != "" {
		args = append(args, "--parent-cgroup", j.config.CgroupParent)
	}
	args = append(args, "--daemonize", "--", "--api-sock", "/run/firecracker.socket")
	return args
}

// Start execs the jailer binary with the argv from Prepare and records the
// resulting PID.
func (j *Jailer) Start(jailed *JailedVM, args []string) error {
	cmd := exec.Command(j.config.JailerBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("jailer failed: %w: %s", err, output)
	}

	pidFile := filepath.Join(jailed.ChrootDir, "..", "firecracker.pid")
	if data, err := os.ReadFile(pidFile); err == nil {
		fmt.Sscanf(string(data), "%d", &jailed.PID)
	}
	return nil
}

// Destroy kills the jailer process and removes the chroot/cgroup for name.
func (j *Jailer) Destroy(name string) error {
	j.mu.Lock()
	jailed, ok := j.jailed[name]
	if ok {
		delete(j.jailed, name)
	}
	j.mu.Unlock()
	if !ok {
		return nil
	}

	if jailed.PID > 0 {
		if process, err := os.FindProcess(jailed.PID); err == nil {
			process.Kill()
			process.Wait()
		}
	}
	if jailed.CgroupPath != "" {
		os.RemoveAll(jailed.CgroupPath)
	}
	return j.cleanupChroot(jailed.ChrootDir)
}

func (j *Jailer) setupChrootDir(chrootDir string) error {
	dirs := []string{chrootDir, filepath.Join(chrootDir, "dev", "net"), filepath.Join(chrootDir, "run")}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := os.Chown(dir, j.config.UID, j.config.GID); err != nil {
			j.log.WithError(err).Warn("chown failed")
		}
	}
	return nil
}

func (j *Jailer) setupDevices(chrootDir string) {
	devices := []struct {
		path        string
		mode        uint32
		major, minor uint32
	}{
		{filepath.Join(chrootDir, "dev", "null"), syscall.S_IFCHR | 0666, 1, 3},
		{filepath.Join(chrootDir, "dev", "urandom"), syscall.S_IFCHR | 0666, 1, 9},
		{filepath.Join(chrootDir, "dev", "kvm"), syscall.S_IFCHR | 0660, 10, 232},
		{filepath.Join(chrootDir, "dev", "net", "tun"), syscall.S_IFCHR | 0660, 10, 200},
	}
	for _, dev := range devices {
		os.Remove(dev.path)
		devNum := int(dev.major<<8 | dev.minor)
		if err := syscall.Mknod(dev.path, dev.mode, devNum); err != nil {
			j.log.WithField("path", dev.path).WithError(err).Debug("mknod failed, device unavailable in jail")
		}
		os.Chown(dev.path, j.config.UID, j.config.GID)
	}
}

func (j *Jailer) bindMount(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source not found: %s", src)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		f, err := os.Create(dst)
		if err != nil {
			return err
		}
		f.Close()
	}
	cmd := exec.Command("mount", "--bind", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("bind mount failed: %w: %s", err, output)
	}
	return nil
}

func (j *Jailer) setupCgroup(jailed *JailedVM) error {
	cgroupPath := filepath.Join("/sys/fs/cgroup", j.config.CgroupParent, jailed.Name)
	if err := os.MkdirAll(cgroupPath, 0755); err != nil {
		return fmt.Errorf("create cgroup: %w", err)
	}
	jailed.CgroupPath = cgroupPath

	limits := j.config.ResourceLimits
	if limits.CPUWeight > 0 {
		os.WriteFile(filepath.Join(cgroupPath, "cpu.weight"), []byte(strconv.FormatUint(limits.CPUWeight, 10)), 0644)
	}
	if limits.CPUQuota > 0 && limits.CPUPeriod > 0 {
		quota := fmt.Sprintf("%d %d", limits.CPUQuota, limits.CPUPeriod)
		os.WriteFile(filepath.Join(cgroupPath, "cpu.max"), []byte(quota), 0644)
	}
	if limits.MaxMemoryBytes > 0 {
		os.WriteFile(filepath.Join(cgroupPath, "memory.max"), []byte(strconv.FormatUint(limits.MaxMemoryBytes, 10)), 0644)
	}
	os.WriteFile(filepath.Join(cgroupPath, "cgroup.subtree_control"), []byte("+cpu +memory +io"), 0644)
	return nil
}

func (j *Jailer) cleanupChroot(chrootDir string) error {
	mounts := []string{
		filepath.Join(chrootDir, "kernel"),
		filepath.Join(chrootDir, "rootfs.ext4"),
		filepath.Join(chrootDir, "dev", "kvm"),
		filepath.Join(chrootDir, "dev", "net", "tun"),
		filepath.Join(chrootDir, "dev", "null"),
		filepath.Join(chrootDir, "dev", "urandom"),
	}
	for _, m := range mounts {
		syscall.Unmount(m, 0)
	}
	return os.RemoveAll(filepath.Dir(chrootDir))
}

// CheckJailerPrerequisites verifies the host is ready for jailed VMs.
func CheckJailerPrerequisites(config JailerConfig) error {
	var errs []string
	if _, err := os.Stat(config.JailerBinary); err != nil {
		errs = append(errs, fmt.Sprintf("jailer binary not found: %s", config.JailerBinary))
	}
	if _, err := os.Stat(config.FirecrackerBinary); err != nil {
		errs = append(errs, fmt.Sprintf("firecracker binary not found: %s", config.FirecrackerBinary))
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		errs = append(errs, "/dev/kvm not available")
	}
	if config.CgroupVersion == "2" {
		if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
			errs = append(errs, "cgroups v2 not mounted")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("jailer prerequisites not met:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Package network implements the Network Manager: bridge/NAT setup, per-VM
// TAP interface lifecycle, IP address allocation, and port forwarding.
//
// Unlike the teacher's CNI-delegated networking (cni.go hands the tap device
// to a third-party plugin chain), this control plane owns the bridge and
// every TAP device directly, the way
// original_source/src/core/network_manager.py does: device management goes
// through github.com/vishvananda/netlink (also an indirect dependency of the
// teacher's own CNI stack), and firewall rules go through the injected
// executor.Executor running iptables, exactly as the teacher's jailer.go
// shells out to setup scripts.
package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/executor"
)

// Config bounds the Network Manager's IP and port allocation ranges.
type Config struct {
	BridgeName  string
	BridgeIP    string // CIDR, e.g. "192.168.127.1/24"
	Subnet      string // CIDR, e.g. "192.168.127.0/24"
	PortRangeLo int
	PortRangeHi int
}

// portForward is one allocated host-port -> guest-port DNAT rule.
type portForward struct {
	vmName    string
	vmIP      string
	hostPort  int
	guestPort int
	protocol  string
}

// Manager is the Network Manager. All state-mutating operations are
// serialized by mu, matching the single-lock-per-subsystem pattern used by
// resource.Manager.
type Manager struct {
	mu sync.Mutex

	config Config
	exec   executor.Executor
	log    *logrus.Entry

	bridgeUp bool

	// tap name -> assigned IP
	tapIPs map[string]string
	// vm name -> tap name
	vmTaps map[string]string
	// "vmName:hostPort" -> portForward
	portForwards map[string]*portForward

	nextIPHost   int // host octet of the next IP to try, within the subnet
	nextPort     int
}

// NewManager constructs a Manager bound to exec for all external commands.
func NewManager(config Config, exec executor.Executor, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		config:       config,
		exec:         exec,
		log:          log.WithField("component", "network_manager"),
		tapIPs:       make(map[string]string),
		vmTaps:       make(map[string]string),
		portForwards: make(map[string]*portForward),
		nextIPHost:   2, // .1 is the bridge itself
		nextPort:     config.PortRangeLo,
	}
}

// SetupBridgeNetwork creates the bridge device, assigns its address, enables
// IP forwarding, and installs MASQUERADE/FORWARD rules. Idempotent: a bridge
// that already exists is left alone.
func (m *Manager) SetupBridgeNetwork(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bridgeUp {
		return nil
	}

	if _, err := netlink.LinkByName(m.config.BridgeName); err == nil {
		m.bridgeUp = true
		m.log.WithField("bridge", m.config.BridgeName).Info("bridge already exists, leaving it as is")
		return nil
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: m.config.BridgeName}}
	if err := netlink.LinkAdd(br); err != nil {
		return domain.WrapFatal(fmt.Sprintf("create bridge %s", m.config.BridgeName), err)
	}

	link, err := netlink.LinkByName(m.config.BridgeName)
	if err != nil {
		return domain.WrapFatal("lookup bridge after create", err)
	}

	addr, err := netlink.ParseAddr(m.config.BridgeIP)
	if err != nil {
		return domain.NewValidationError("invalid bridge_ip %q: %v", m.config.BridgeIP, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !strings.Contains(err.Error(), "file exists") {
		return domain.WrapFatal("assign bridge address", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return domain.WrapFatal("bring up bridge", err)
	}

	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0644); err != nil {
		m.log.WithError(err).Warn("failed to enable ip forwarding")
	}

	if err := m.setupNATRulesLocked(ctx); err != nil {
		return err
	}

	m.bridgeUp = true
	m.log.WithField("bridge", m.config.BridgeName).Info("bridge network configured")
	return nil
}

// TeardownBridgeNetwork removes the NAT rules and the bridge device. Every
// step is best-effort: a rule or device that is already gone is not an
// error, matching the source's check=False teardown semantics.
func (m *Manager) TeardownBridgeNetwork(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupNATRulesLocked(ctx)

	if link, err := netlink.LinkByName(m.config.BridgeName); err == nil {
		_ = netlink.LinkDel(link)
	}
	m.bridgeUp = false
	m.log.WithField("bridge", m.config.BridgeName).Info("bridge network torn down")
	return nil
}

func (m *Manager) setupNATRulesLocked(ctx context.Context) error {
	rules := [][]string{
		{"-t", "nat", "-A", "POSTROUTING", "-s", m.config.Subnet, "!", "-o", m.config.BridgeName, "-j", "MASQUERADE"},
		{"-A", "FORWARD", "-i", m.config.BridgeName, "-j", "ACCEPT"},
		{"-A", "FORWARD", "-o", m.config.BridgeName, "-j", "ACCEPT"},
	}
	for _, args := range rules {
		res, err := m.exec.Run(ctx, executor.Command{Argv: append([]string{"iptables"}, args...)})
		if err != nil {
			return domain.WrapFatal("install nat rule", err)
		}
		if !res.Succeeded() {
			return domain.WrapFatal("install nat rule", fmt.Errorf("iptables exited %d: %s", res.ExitCode, res.Stderr))
		}
	}
	return nil
}

func (m *Manager) cleanupNATRulesLocked(ctx context.Context) {
	rules := [][]string{
		{"-t", "nat", "-D", "POSTROUTING", "-s", m.config.Subnet, "!", "-o", m.config.BridgeName, "-j", "MASQUERADE"},
		{"-D", "FORWARD", "-i", m.config.BridgeName, "-j", "ACCEPT"},
		{"-D", "FORWARD", "-o", m.config.BridgeName, "-j", "ACCEPT"},
	}
	for _, args := range rules {
		// Best-effort: ignore errors and non-zero exits, the rule may
		// already be gone.
		_, _ = m.exec.Run(ctx, executor.Command{Argv: append([]string{"iptables"}, args...)})
	}
}

// CreateTapInterface allocates an IP, creates a TAP device attached to the
// bridge, and brings it up.
func (m *Manager) CreateTapInterface(ctx context.Context, vmName string) (domain.VMNetworkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tap, ok := m.vmTaps[vmName]; ok {
		return domain.VMNetworkInfo{
			TapName:    tap,
			VMIP:       m.tapIPs[tap],
			BridgeName: m.config.BridgeName,
			Subnet:     m.config.Subnet,
		}, nil
	}

	tapName := tapNameFor(vmName)
	ip, err := m.allocateIPLocked()
	if err != nil {
		return domain.VMNetworkInfo{}, err
	}

	la := netlink.NewLinkAttrs()
	la.Name = tapName
	tap := &netlink.Tuntap{LinkAttrs: la, Mode: netlink.TUNTAP_MODE_TAP}
	if err := netlink.LinkAdd(tap); err != nil {
		return domain.VMNetworkInfo{}, domain.WrapFatal(fmt.Sprintf("create tap %s", tapName), err)
	}

	bridge, err := netlink.LinkByName(m.config.BridgeName)
	if err != nil {
		return domain.VMNetworkInfo{}, domain.WrapFatal("lookup bridge for tap attach", err)
	}
	if err := netlink.LinkSetMaster(tap, bridge.(*netlink.Bridge)); err != nil {
		return domain.VMNetworkInfo{}, domain.WrapFatal("attach tap to bridge", err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return domain.VMNetworkInfo{}, domain.WrapFatal("bring up tap", err)
	}

	m.vmTaps[vmName] = tapName
	m.tapIPs[tapName] = ip

	m.log.WithFields(logrus.Fields{"vm": vmName, "tap": tapName, "ip": ip}).Info("created tap interface")

	return domain.VMNetworkInfo{
		TapName:    tapName,
		VMIP:       ip,
		BridgeName: m.config.BridgeName,
		Subnet:     m.config.Subnet,
	}, nil
}

// DeleteTapInterface removes a VM's TAP device and frees every port forward
// keyed under that VM, mirroring the source's delete_tap_interface which
// scans the port-forward table for any key with a vm-name prefix.
func (m *Manager) DeleteTapInterface(ctx context.Context, vmName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tapName, ok := m.vmTaps[vmName]
	if !ok {
		m.log.WithField("vm", vmName).Warn("no tap interface found")
		return nil
	}

	if link, err := netlink.LinkByName(tapName); err == nil {
		_ = netlink.LinkDel(link)
	}

	delete(m.vmTaps, vmName)
	delete(m.tapIPs, tapName)

	prefix := vmName + ":"
	for key, pf := range m.portForwards {
		if strings.HasPrefix(key, prefix) {
			m.removePortForwardRuleLocked(ctx, pf)
			delete(m.portForwards, key)
		}
	}

	m.log.WithFields(logrus.Fields{"vm": vmName, "tap": tapName}).Info("deleted tap interface")
	return nil
}

// AllocatePortForward installs a DNAT rule from hostPort on the host to
// guestPort on vmIP, and returns the host port actually used (0 requests
// auto-assignment from the configured range).
func (m *Manager) AllocatePortForward(ctx context.Context, vmName, vmIP string, guestPort, hostPort int, protocol string) (int, error) {
	if protocol == "" {
		protocol = "tcp"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if hostPort == 0 {
		p, err := m.nextAvailablePortLocked()
		if err != nil {
			return 0, err
		}
		hostPort = p
	}

	key := fmt.Sprintf("%s:%d", vmName, hostPort)
	if _, exists := m.portForwards[key]; exists {
		return 0, domain.NewValidationError("port %d already forwarded for vm %s", hostPort, vmName)
	}

	rules := [][]string{
		{"-t", "nat", "-A", "PREROUTING", "-p", protocol, "--dport", strconv.Itoa(hostPort),
			"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", vmIP, guestPort)},
		{"-A", "FORWARD", "-p", protocol, "-d", vmIP, "--dport", strconv.Itoa(guestPort), "-j", "ACCEPT"},
	}
	for _, args := range rules {
		res, err := m.exec.Run(ctx, executor.Command{Argv: append([]string{"iptables"}, args...)})
		if err != nil {
			return 0, domain.WrapFatal("install port-forward rule", err)
		}
		if !res.Succeeded() {
			return 0, domain.WrapFatal("install port-forward rule", fmt.Errorf("iptables exited %d: %s", res.ExitCode, res.Stderr))
		}
	}

	m.portForwards[key] = &portForward{vmName: vmName, vmIP: vmIP, hostPort: hostPort, guestPort: guestPort, protocol: protocol}
	m.log.WithFields(logrus.Fields{"vm": vmName, "host_port": hostPort, "guest_port": guestPort}).Info("allocated port forward")
	return hostPort, nil
}

// RemovePortForward tears down one previously allocated forward. Best
// effort: failures removing the iptables rule do not prevent bookkeeping
// cleanup, matching the source's check=False removal.
func (m *Manager) RemovePortForward(ctx context.Context, vmName string, hostPort int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s:%d", vmName, hostPort)
	pf, ok := m.portForwards[key]
	if !ok {
		return false
	}
	m.removePortForwardRuleLocked(ctx, pf)
	delete(m.portForwards, key)
	return true
}

// FindPortForwardByGuestPort returns the host port bound to vmName's
// guestPort, if any. Used by the REST layer's DELETE port-forward handler,
// which identifies the forward by guest port per the external interface
// contract while the internal index is keyed by host port.
func (m *Manager) FindPortForwardByGuestPort(vmName string, guestPort int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pf := range m.portForwards {
		if pf.vmName == vmName && pf.guestPort == guestPort {
			return pf.hostPort, true
		}
	}
	return 0, false
}

func (m *Manager) removePortForwardRuleLocked(ctx context.Context, pf *portForward) {
	rules := [][]string{
		{"-t", "nat", "-D", "PREROUTING", "-p", pf.protocol, "--dport", strconv.Itoa(pf.hostPort),
			"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", pf.vmIP, pf.guestPort)},
		{"-D", "FORWARD", "-p", pf.protocol, "-d", pf.vmIP, "--dport", strconv.Itoa(pf.guestPort), "-j", "ACCEPT"},
	}
	for _, args := range rules {
		_, _ = m.exec.Run(ctx, executor.Command{Argv: append([]string{"iptables"}, args...)})
	}
}

// GetVMNetworkInfo returns the current network binding for vmName, including
// rx/tx byte counters read from the TAP device's sysfs statistics.
func (m *Manager) GetVMNetworkInfo(vmName string) (domain.VMNetworkInfo, bool) {
	m.mu.Lock()
	tapName, ok := m.vmTaps[vmName]
	ip := m.tapIPs[tapName]
	m.mu.Unlock()
	if !ok {
		return domain.VMNetworkInfo{}, false
	}

	rx, _ := readSysfsCounter(tapName, "rx_bytes")
	tx, _ := readSysfsCounter(tapName, "tx_bytes")

	return domain.VMNetworkInfo{
		TapName:    tapName,
		VMIP:       ip,
		BridgeName: m.config.BridgeName,
		Subnet:     m.config.Subnet,
		RxBytes:    rx,
		TxBytes:    tx,
	}, true
}

// ListNetworkInterfaces returns every currently-managed TAP interface.
func (m *Manager) ListNetworkInterfaces() []domain.VMNetworkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.VMNetworkInfo, 0, len(m.vmTaps))
	for _, tap := range m.vmTaps {
		rx, _ := readSysfsCounter(tap, "rx_bytes")
		tx, _ := readSysfsCounter(tap, "tx_bytes")
		out = append(out, domain.VMNetworkInfo{
			TapName:    tap,
			VMIP:       m.tapIPs[tap],
			BridgeName: m.config.BridgeName,
			Subnet:     m.config.Subnet,
			RxBytes:    rx,
			TxBytes:    tx,
		})
	}
	return out
}

func (m *Manager) allocateIPLocked() (string, error) {
	_, subnet, err := net.ParseCIDR(m.config.Subnet)
	if err != nil {
		return "", domain.NewValidationError("invalid subnet %q: %v", m.config.Subnet, err)
	}

	used := make(map[string]bool, len(m.tapIPs))
	for _, ip := range m.tapIPs {
		used[ip] = true
	}

	base := subnet.IP.Mask(subnet.Mask)
	bcast := make(net.IP, len(base))
	for i := range base {
		bcast[i] = base[i] | ^subnet.Mask[i]
	}
	for host := m.nextIPHost; host < 254; host++ {
		ip := make(net.IP, len(base))
		copy(ip, base)
		ip[len(ip)-1] = byte(host)
		if !subnet.Contains(ip) || ip.Equal(bcast) {
			break
		}
		candidate := ip.String()
		if !used[candidate] {
			m.nextIPHost = host + 1
			return candidate, nil
		}
	}
	return "", domain.NewResourceExhaustedError("no available ip addresses in subnet %s", m.config.Subnet)
}

func (m *Manager) nextAvailablePortLocked() (int, error) {
	for i := 0; i <= (m.config.PortRangeHi - m.config.PortRangeLo); i++ {
		port := m.nextPort
		m.nextPort++
		if m.nextPort > m.config.PortRangeHi {
			m.nextPort = m.config.PortRangeLo
		}
		conflict := false
		for _, pf := range m.portForwards {
			if pf.hostPort == port {
				conflict = true
				break
			}
		}
		if !conflict {
			return port, nil
		}
	}
	return 0, domain.NewResourceExhaustedError("no available ports in range %d-%d", m.config.PortRangeLo, m.config.PortRangeHi)
}

func tapNameFor(vmName string) string {
	name := "tap-" + vmName
	if len(name) > 15 { // IFNAMSIZ
		name = name[:15]
	}
	return name
}

func readSysfsCounter(tapName, counter string) (uint64, error) {
	path := fmt.Sprintf("/sys/class/net/%s/statistics/%s", tapName, counter)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

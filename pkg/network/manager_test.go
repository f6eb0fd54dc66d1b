package network

import (
	"context"
	"testing"

	"github.com/pipeops/microvm-sandbox/pkg/executor"
)

// Note: SetupBridgeNetwork, CreateTapInterface, and DeleteTapInterface are
// not covered here because they call into netlink to create real kernel
// devices, which requires CAP_NET_ADMIN and is exercised in integration
// tests instead. These tests cover the allocation bookkeeping and the
// iptables command sequences issued through executor.Executor.

func testConfig() Config {
	return Config{
		BridgeName:  "microvm0",
		BridgeIP:    "192.168.127.1/24",
		Subnet:      "192.168.127.0/24",
		PortRangeLo: 10000,
		PortRangeHi: 10010,
	}
}

func TestManager_AllocatePortForward_IssuesDNATAndForwardRules(t *testing.T) {
	fake := &executor.Fake{}
	m := NewManager(testConfig(), fake, nil)

	port, err := m.AllocatePortForward(context.Background(), "vm-1", "192.168.127.2", 22, 0, "")
	if err != nil {
		t.Fatalf("AllocatePortForward failed: %v", err)
	}
	if port < testConfig().PortRangeLo || port > testConfig().PortRangeHi {
		t.Errorf("allocated port %d outside configured range", port)
	}
	if len(fake.Calls) != 2 {
		t.Fatalf("expected 2 iptables calls (DNAT + FORWARD), got %d", len(fake.Calls))
	}
}

func TestManager_AllocatePortForward_RejectsDuplicate(t *testing.T) {
	fake := &executor.Fake{}
	m := NewManager(testConfig(), fake, nil)

	port, err := m.AllocatePortForward(context.Background(), "vm-1", "192.168.127.2", 22, 10005, "tcp")
	if err != nil {
		t.Fatalf("AllocatePortForward failed: %v", err)
	}
	if port != 10005 {
		t.Fatalf("expected explicit host port 10005, got %d", port)
	}

	_, err = m.AllocatePortForward(context.Background(), "vm-1", "192.168.127.2", 22, 10005, "tcp")
	if err == nil {
		t.Fatal("expected error allocating the same host port twice for the same vm")
	}
}

func TestManager_RemovePortForward(t *testing.T) {
	fake := &executor.Fake{}
	m := NewManager(testConfig(), fake, nil)

	m.AllocatePortForward(context.Background(), "vm-1", "192.168.127.2", 22, 10005, "tcp")
	if !m.RemovePortForward(context.Background(), "vm-1", 10005) {
		t.Fatal("expected RemovePortForward to succeed")
	}
	if m.RemovePortForward(context.Background(), "vm-1", 10005) {
		t.Fatal("expected second RemovePortForward to report not found")
	}
}

func TestManager_AllocateIP_ExhaustsPool(t *testing.T) {
	cfg := testConfig()
	cfg.Subnet = "192.168.127.0/30" // only .1 and .2 usable
	m := NewManager(cfg, &executor.Fake{}, nil)

	ip, err := m.allocateIPLocked()
	if err != nil {
		t.Fatalf("first allocation should succeed: %v", err)
	}
	if ip == "" {
		t.Fatal("expected a non-empty ip")
	}

	if _, err := m.allocateIPLocked(); err == nil {
		t.Error("expected pool exhaustion on a /30 subnet after the first allocation")
	}
}

func TestTapNameFor_TruncatesToInterfaceNameLimit(t *testing.T) {
	name := tapNameFor("a-very-long-vm-name-that-exceeds-ifnamsiz")
	if len(name) > 15 {
		t.Errorf("tap name %q exceeds IFNAMSIZ (15): len=%d", name, len(name))
	}
}

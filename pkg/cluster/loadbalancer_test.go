package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

func allHealthyDiscovery(instances ...domain.ServiceInstance) *Discovery {
	healthy := make(map[string]bool, len(instances))
	for _, inst := range instances {
		healthy[inst.ID] = true
	}
	return NewDiscovery(&fakeBackend{instances: instances}, fakeHealthChecker{healthy: healthy}, time.Hour, nil)
}

func TestLoadBalancer_RoundRobin_Cycles(t *testing.T) {
	d := allHealthyDiscovery(
		domain.ServiceInstance{ID: "a"},
		domain.ServiceInstance{ID: "b"},
	)
	cfg := domain.DefaultLoadBalancingConfig()
	cfg.Algorithm = domain.AlgoRoundRobin
	lb := NewLoadBalancer(d, cfg, nil)

	first, _ := lb.GetTargetInstance(context.Background(), "")
	second, _ := lb.GetTargetInstance(context.Background(), "")
	third, _ := lb.GetTargetInstance(context.Background(), "")

	if first.ID == second.ID {
		t.Errorf("expected round robin to alternate, got %s then %s", first.ID, second.ID)
	}
	if third.ID != first.ID {
		t.Errorf("expected round robin to cycle back to %s, got %s", first.ID, third.ID)
	}
}

func TestLoadBalancer_NoHealthyInstances(t *testing.T) {
	d := allHealthyDiscovery()
	lb := NewLoadBalancer(d, domain.DefaultLoadBalancingConfig(), nil)

	_, err := lb.GetTargetInstance(context.Background(), "")
	if err == nil {
		t.Fatal("expected an error when no healthy instances exist")
	}
}

func TestLoadBalancer_LeastConnections_PrefersIdle(t *testing.T) {
	d := allHealthyDiscovery(
		domain.ServiceInstance{ID: "busy"},
		domain.ServiceInstance{ID: "idle"},
	)
	cfg := domain.DefaultLoadBalancingConfig()
	cfg.Algorithm = domain.AlgoLeastConnections
	lb := NewLoadBalancer(d, cfg, nil)
	lb.connectionCount["busy"] = 10

	got, err := lb.GetTargetInstance(context.Background(), "")
	if err != nil {
		t.Fatalf("GetTargetInstance failed: %v", err)
	}
	if got.ID != "idle" {
		t.Errorf("expected least-connections to pick idle, got %s", got.ID)
	}
}

func TestLoadBalancer_StickySessions_ReturnSameInstance(t *testing.T) {
	d := allHealthyDiscovery(
		domain.ServiceInstance{ID: "a"},
		domain.ServiceInstance{ID: "b"},
	)
	cfg := domain.DefaultLoadBalancingConfig()
	cfg.StickySessions = true
	cfg.SessionAffinityTimeoutS = 3600
	lb := NewLoadBalancer(d, cfg, nil)

	first, _ := lb.GetTargetInstance(context.Background(), "session-1")
	for i := 0; i < 5; i++ {
		got, err := lb.GetTargetInstance(context.Background(), "session-1")
		if err != nil {
			t.Fatalf("GetTargetInstance failed: %v", err)
		}
		if got.ID != first.ID {
			t.Errorf("expected sticky session to keep returning %s, got %s", first.ID, got.ID)
		}
	}
}

func TestLoadBalancer_CleanupSessionAffinity_ClearsHalfOverLimit(t *testing.T) {
	d := allHealthyDiscovery(domain.ServiceInstance{ID: "a"})
	cfg := domain.DefaultLoadBalancingConfig()
	cfg.StickySessions = true
	lb := NewLoadBalancer(d, cfg, nil)

	for i := 0; i < 1200; i++ {
		lb.GetTargetInstance(context.Background(), string(rune(i)))
	}

	removed := lb.CleanupSessionAffinity()
	if removed == 0 {
		t.Error("expected cleanup to remove entries once over the 1000 limit")
	}
	if len(lb.affinity) == 0 {
		t.Error("expected cleanup to leave some entries behind")
	}
}

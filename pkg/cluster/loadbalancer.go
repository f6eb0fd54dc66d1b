package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

// affinityEntry binds a session key to a chosen instance for StickySessions.
type affinityEntry struct {
	instanceID string
	expiresAt  time.Time
}

// LoadBalancer selects a target instance for each request among the
// healthy instances reported by Discovery, per one of three algorithms
// (round_robin, weighted_round_robin, least_connections), with optional
// sticky sessions.
type LoadBalancer struct {
	mu sync.Mutex

	discovery *Discovery
	config    domain.LoadBalancingConfig
	log       *logrus.Entry

	roundRobinIndex int
	connectionCount map[string]int
	affinity        map[string]affinityEntry

	rng *rand.Rand
}

// NewLoadBalancer constructs a LoadBalancer bound to discovery.
func NewLoadBalancer(discovery *Discovery, config domain.LoadBalancingConfig, log *logrus.Entry) *LoadBalancer {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &LoadBalancer{
		discovery:       discovery,
		config:          config,
		log:             log.WithField("component", "load_balancer"),
		connectionCount: make(map[string]int),
		affinity:        make(map[string]affinityEntry),
		rng:             rand.New(rand.NewSource(1)),
	}
}

// GetTargetInstance picks the instance to route a request to. sessionKey is
// only consulted when StickySessions is enabled; pass "" to skip affinity.
func (lb *LoadBalancer) GetTargetInstance(ctx context.Context, sessionKey string) (domain.ServiceInstance, error) {
	healthy, err := lb.discovery.GetHealthyInstances(ctx)
	if err != nil {
		return domain.ServiceInstance{}, err
	}
	if len(healthy) == 0 {
		return domain.ServiceInstance{}, domain.NewResourceExhaustedError("no healthy instances available")
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.config.StickySessions && sessionKey != "" {
		if entry, ok := lb.affinity[sessionKey]; ok && time.Now().Before(entry.expiresAt) {
			for _, inst := range healthy {
				if inst.ID == entry.instanceID {
					lb.recordRequestLocked(inst.ID)
					return inst, nil
				}
			}
		}
	}

	var selected domain.ServiceInstance
	switch lb.config.Algorithm {
	case domain.AlgoRoundRobin:
		selected = lb.roundRobinSelectLocked(healthy)
	case domain.AlgoLeastConnections:
		selected = lb.leastConnectionsSelectLocked(healthy)
	default:
		selected = lb.weightedRoundRobinSelectLocked(healthy)
	}

	if lb.config.StickySessions && sessionKey != "" {
		lb.affinity[sessionKey] = affinityEntry{
			instanceID: selected.ID,
			expiresAt:  time.Now().Add(time.Duration(lb.config.SessionAffinityTimeoutS) * time.Second),
		}
	}

	lb.recordRequestLocked(selected.ID)
	return selected, nil
}

func (lb *LoadBalancer) recordRequestLocked(instanceID string) {
	lb.connectionCount[instanceID]++
}

// ReleaseConnection decrements the in-flight connection count for an
// instance once a proxied request completes.
func (lb *LoadBalancer) ReleaseConnection(instanceID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.connectionCount[instanceID] > 0 {
		lb.connectionCount[instanceID]--
	}
}

func (lb *LoadBalancer) roundRobinSelectLocked(instances []domain.ServiceInstance) domain.ServiceInstance {
	inst := instances[lb.roundRobinIndex%len(instances)]
	lb.roundRobinIndex++
	return inst
}

// weightedRoundRobinSelectLocked picks a random instance weighted by
// (1 - load_score), so less-loaded instances are more likely to be chosen.
func (lb *LoadBalancer) weightedRoundRobinSelectLocked(instances []domain.ServiceInstance) domain.ServiceInstance {
	weights := make([]float64, len(instances))
	var total float64
	for i, inst := range instances {
		w := 1.0 - inst.LoadScore
		if w < 0.01 {
			w = 0.01
		}
		weights[i] = w
		total += w
	}

	target := lb.rng.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if target <= cumulative {
			return instances[i]
		}
	}
	return instances[len(instances)-1]
}

func (lb *LoadBalancer) leastConnectionsSelectLocked(instances []domain.ServiceInstance) domain.ServiceInstance {
	best := instances[0]
	bestCount := lb.connectionCount[best.ID]
	for _, inst := range instances[1:] {
		if c := lb.connectionCount[inst.ID]; c < bestCount {
			best = inst
			bestCount = c
		}
	}
	return best
}

// ClusterStatus summarizes the load balancer's current view.
type ClusterStatus struct {
	HealthyInstances int            `json:"healthy_instances"`
	Algorithm        domain.LBAlgorithm `json:"algorithm"`
	ConnectionCounts map[string]int `json:"connection_counts"`
}

// GetClusterStatus returns a snapshot suitable for a status endpoint.
func (lb *LoadBalancer) GetClusterStatus(ctx context.Context) (ClusterStatus, error) {
	healthy, err := lb.discovery.GetHealthyInstances(ctx)
	if err != nil {
		return ClusterStatus{}, err
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	counts := make(map[string]int, len(lb.connectionCount))
	for k, v := range lb.connectionCount {
		counts[k] = v
	}

	return ClusterStatus{
		HealthyInstances: len(healthy),
		Algorithm:        lb.config.Algorithm,
		ConnectionCounts: counts,
	}, nil
}

// CleanupSessionAffinity clears half of the affinity map once it exceeds
// 1000 entries, mirroring the background worker's
// _cleanup_session_affinity bound.
func (lb *LoadBalancer) CleanupSessionAffinity() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.affinity) <= 1000 {
		return 0
	}

	toRemove := len(lb.affinity) / 2
	removed := 0
	for key := range lb.affinity {
		if removed >= toRemove {
			break
		}
		delete(lb.affinity, key)
		removed++
	}
	return removed
}

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

type fakeScaler struct {
	replicas int
	setCalls []int
}

func (f *fakeScaler) GetReplicas(ctx context.Context) (int, error) { return f.replicas, nil }
func (f *fakeScaler) SetReplicas(ctx context.Context, replicas int) error {
	f.replicas = replicas
	f.setCalls = append(f.setCalls, replicas)
	return nil
}

func scalerConfig() ScalerConfig {
	return ScalerConfig{
		MinReplicas:         1,
		MaxReplicas:         10,
		TargetCPUPercent:    70,
		TargetMemoryPercent: 70,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.5,
	}
}

func discoveryWithLoad(loads ...float64) *Discovery {
	instances := make([]domain.ServiceInstance, len(loads))
	healthy := make(map[string]bool, len(loads))
	for i, l := range loads {
		id := string(rune('a' + i))
		instances[i] = domain.ServiceInstance{ID: id, LoadScore: l}
		healthy[id] = true
	}
	return NewDiscovery(&fakeBackend{instances: instances}, fakeHealthChecker{healthy: healthy}, time.Hour, nil)
}

func TestHorizontalScaler_ScalesUpUnderHighLoad(t *testing.T) {
	d := discoveryWithLoad(0.95, 0.95) // load_score 0.95 -> ~95% cpu/mem
	scaler := &fakeScaler{replicas: 2}
	hs := NewHorizontalScaler(d, scaler, scalerConfig(), nil)

	result, err := hs.AutoScale(context.Background())
	if err != nil {
		t.Fatalf("AutoScale failed: %v", err)
	}
	if result.Action != domain.ScaleUp || !result.Applied {
		t.Errorf("expected scale up to be applied, got %+v", result)
	}
	if scaler.replicas != 3 {
		t.Errorf("expected replicas to go from 2 to 3, got %d", scaler.replicas)
	}
}

func TestHorizontalScaler_ScalesDownUnderLowLoad(t *testing.T) {
	d := discoveryWithLoad(0.1, 0.1)
	scaler := &fakeScaler{replicas: 4}
	hs := NewHorizontalScaler(d, scaler, scalerConfig(), nil)

	result, err := hs.AutoScale(context.Background())
	if err != nil {
		t.Fatalf("AutoScale failed: %v", err)
	}
	if result.Action != domain.ScaleDown || !result.Applied {
		t.Errorf("expected scale down to be applied, got %+v", result)
	}
	if scaler.replicas != 3 {
		t.Errorf("expected replicas to go from 4 to 3, got %d", scaler.replicas)
	}
}

func TestHorizontalScaler_NeverExceedsMaxReplicas(t *testing.T) {
	d := discoveryWithLoad(0.99)
	scaler := &fakeScaler{replicas: 10}
	hs := NewHorizontalScaler(d, scaler, scalerConfig(), nil)

	result, err := hs.AutoScale(context.Background())
	if err != nil {
		t.Fatalf("AutoScale failed: %v", err)
	}
	if result.Action != domain.ScaleNone {
		t.Errorf("expected no further scale up at MaxReplicas, got %+v", result)
	}
}

func TestHorizontalScaler_NeverGoesBelowMinReplicas(t *testing.T) {
	d := discoveryWithLoad(0.01)
	scaler := &fakeScaler{replicas: 1}
	hs := NewHorizontalScaler(d, scaler, scalerConfig(), nil)

	result, err := hs.AutoScale(context.Background())
	if err != nil {
		t.Fatalf("AutoScale failed: %v", err)
	}
	if result.Action != domain.ScaleNone {
		t.Errorf("expected no further scale down at MinReplicas, got %+v", result)
	}
}

func TestHorizontalScaler_StableLoadDoesNothing(t *testing.T) {
	// target=70, scale_up fires above target*0.8=56, scale_down fires below
	// target*0.5=35 - 0.45 load (45% usage) sits in the stable band between.
	d := discoveryWithLoad(0.45, 0.45)
	scaler := &fakeScaler{replicas: 3}
	hs := NewHorizontalScaler(d, scaler, scalerConfig(), nil)

	result, err := hs.AutoScale(context.Background())
	if err != nil {
		t.Fatalf("AutoScale failed: %v", err)
	}
	if result.Action != domain.ScaleNone || result.Applied {
		t.Errorf("expected stable load to take no action, got %+v", result)
	}
}

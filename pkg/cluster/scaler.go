package cluster

import (
	"context"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

// DeploymentScaler patches the replica count of the deployment backing this
// cluster. Implemented over k8s.io/client-go's scale subresource, the same
// call vpsieinc-vpsie-k8s-autoscaler's scaler.go makes.
type DeploymentScaler interface {
	GetReplicas(ctx context.Context) (int, error)
	SetReplicas(ctx context.Context, replicas int) error
}

// KubernetesDeploymentScaler implements DeploymentScaler against a real
// cluster.
type KubernetesDeploymentScaler struct {
	Client     kubernetes.Interface
	Namespace  string
	Deployment string
}

func (s KubernetesDeploymentScaler) GetReplicas(ctx context.Context) (int, error) {
	scale, err := s.Client.AppsV1().Deployments(s.Namespace).GetScale(ctx, s.Deployment, metav1.GetOptions{})
	if err != nil {
		return 0, domain.WrapTransient("get deployment scale", err)
	}
	return int(scale.Spec.Replicas), nil
}

func (s KubernetesDeploymentScaler) SetReplicas(ctx context.Context, replicas int) error {
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: s.Deployment, Namespace: s.Namespace},
		Spec:       autoscalingv1.ScaleSpec{Replicas: int32(replicas)},
	}
	_, err := s.Client.AppsV1().Deployments(s.Namespace).UpdateScale(ctx, s.Deployment, scale, metav1.UpdateOptions{})
	if err != nil {
		return domain.WrapTransient("update deployment scale", err)
	}
	return nil
}

// ScalerConfig bounds the Horizontal Scaler's behavior.
type ScalerConfig struct {
	MinReplicas         int
	MaxReplicas         int
	TargetCPUPercent    float64
	TargetMemoryPercent float64
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
}

// HorizontalScaler evaluates cluster-wide CPU/memory metrics against
// configured thresholds and adjusts the deployment's replica count
// (spec §4.7). Grounded on the source's HorizontalScaler.auto_scale.
type HorizontalScaler struct {
	discovery *Discovery
	scaler    DeploymentScaler
	config    ScalerConfig
	log       *logrus.Entry
}

// NewHorizontalScaler constructs a HorizontalScaler.
func NewHorizontalScaler(discovery *Discovery, scaler DeploymentScaler, config ScalerConfig, log *logrus.Entry) *HorizontalScaler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &HorizontalScaler{
		discovery: discovery,
		scaler:    scaler,
		config:    config,
		log:       log.WithField("component", "horizontal_scaler"),
	}
}

// GetCurrentMetrics derives cluster metrics from the healthy instances'
// LoadScore: CPUUsage and MemoryUsage are both the average LoadScore as a
// percentage, and RequestRate is the number of healthy instances (each
// counts as 1). No per-instance CPU, memory or request-rate figures are
// fetched from the instances. LoadScore is also the load balancer's
// weighting input.
func (s *HorizontalScaler) GetCurrentMetrics(ctx context.Context) (domain.ClusterMetrics, error) {
	instances, err := s.discovery.GetHealthyInstances(ctx)
	if err != nil {
		return domain.ClusterMetrics{}, err
	}
	if len(instances) == 0 {
		return domain.ClusterMetrics{}, nil
	}

	var cpuSum, memSum, rateSum float64
	for _, inst := range instances {
		cpuSum += inst.LoadScore * 100
		memSum += inst.LoadScore * 100
		rateSum += 1
	}

	return domain.ClusterMetrics{
		CPUUsage:    cpuSum / float64(len(instances)),
		MemoryUsage: memSum / float64(len(instances)),
		RequestRate: rateSum,
	}, nil
}

// ShouldScaleUp reports whether CPU or memory usage exceeds
// scale_up_threshold (0.8) of its target, matching the source's
// should_scale_up.
func (s *HorizontalScaler) ShouldScaleUp(metrics domain.ClusterMetrics) bool {
	cpuExceeded := metrics.CPUUsage > s.config.TargetCPUPercent*s.config.ScaleUpThreshold
	memExceeded := metrics.MemoryUsage > s.config.TargetMemoryPercent*s.config.ScaleUpThreshold
	return cpuExceeded || memExceeded
}

// ShouldScaleDown reports whether CPU and memory usage both fall below
// scale_down_threshold (0.5) of their targets, matching the source's
// should_scale_down.
func (s *HorizontalScaler) ShouldScaleDown(metrics domain.ClusterMetrics) bool {
	cpuLow := metrics.CPUUsage < s.config.TargetCPUPercent*s.config.ScaleDownThreshold
	memLow := metrics.MemoryUsage < s.config.TargetMemoryPercent*s.config.ScaleDownThreshold
	return cpuLow && memLow
}

// AutoScale runs one scaling tick: sample metrics, decide, and apply if
// within [MinReplicas, MaxReplicas].
func (s *HorizontalScaler) AutoScale(ctx context.Context) (domain.ScaleResult, error) {
	metrics, err := s.GetCurrentMetrics(ctx)
	if err != nil {
		return domain.ScaleResult{}, err
	}

	current, err := s.scaler.GetReplicas(ctx)
	if err != nil {
		return domain.ScaleResult{}, err
	}

	thresholds := domain.ScaleThresholds{
		CPUTarget:          int(s.config.TargetCPUPercent),
		MemoryTarget:       int(s.config.TargetMemoryPercent),
		ScaleUpThreshold:   s.config.ScaleUpThreshold,
		ScaleDownThreshold: s.config.ScaleDownThreshold,
	}

	result := domain.ScaleResult{
		Action:          domain.ScaleNone,
		CurrentReplicas: current,
		NewReplicas:     current,
		Metrics:         metrics,
		Thresholds:      thresholds,
	}

	switch {
	case s.ShouldScaleUp(metrics) && current < s.config.MaxReplicas:
		result.Action = domain.ScaleUp
		result.NewReplicas = current + 1
	case s.ShouldScaleDown(metrics) && current > s.config.MinReplicas:
		result.Action = domain.ScaleDown
		result.NewReplicas = current - 1
	default:
		return result, nil
	}

	if err := s.scaler.SetReplicas(ctx, result.NewReplicas); err != nil {
		return result, err
	}
	result.Applied = true

	s.log.WithFields(logrus.Fields{
		"action":       result.Action,
		"from":         current,
		"to":           result.NewReplicas,
		"cpu_usage":    metrics.CPUUsage,
		"memory_usage": metrics.MemoryUsage,
	}).Info("applied horizontal scale")

	return result, nil
}

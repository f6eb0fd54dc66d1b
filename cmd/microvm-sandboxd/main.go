// microvm-sandboxd is the control-plane daemon: it wires the resource
// accounting, network, image registry, VNC, and cluster subsystems behind
// the REST API and drives the background worker's periodic tasks.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/pipeops/microvm-sandbox/pkg/api"
	"github.com/pipeops/microvm-sandbox/pkg/cluster"
	"github.com/pipeops/microvm-sandbox/pkg/config"
	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/executor"
	"github.com/pipeops/microvm-sandbox/pkg/hypervisor"
	"github.com/pipeops/microvm-sandbox/pkg/image"
	"github.com/pipeops/microvm-sandbox/pkg/metrics"
	"github.com/pipeops/microvm-sandbox/pkg/network"
	"github.com/pipeops/microvm-sandbox/pkg/resource"
	"github.com/pipeops/microvm-sandbox/pkg/vnc"
	"github.com/pipeops/microvm-sandbox/pkg/worker"
)

func main() {
	configPath := flag.String("config", "/etc/microvm-sandbox/config.toml", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "microvm-sandboxd: %v\n", err)
		os.Exit(1)
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "microvm-sandboxd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.WithField("config", *configPath).Info("starting microvm-sandboxd")

	exec := executor.New()

	images, err := image.NewRegistry(image.Config{
		RootDir:      cfg.Image.RootDir,
		RegistryFile: cfg.Image.RegistryFile,
	}, exec, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load image registry")
	}

	netMgr := network.NewManager(network.Config{
		BridgeName:  cfg.Network.BridgeName,
		BridgeIP:    cfg.Network.BridgeIP,
		Subnet:      cfg.Network.Subnet,
		PortRangeLo: cfg.Network.PortRangeLo,
		PortRangeHi: cfg.Network.PortRangeHi,
	}, exec, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := netMgr.SetupBridgeNetwork(ctx); err != nil {
		log.WithError(err).Fatal("failed to set up bridge network")
	}

	resMgr := resource.NewManager(resource.Config{
		MaxVCPUsPerVM:             cfg.Resources.MaxVCPUsPerVM,
		MaxMemoryPerVM:            cfg.Resources.MaxMemoryPerVM,
		MaxDiskPerVM:              cfg.Resources.MaxDiskPerVM,
		MaxVMs:                    cfg.Resources.MaxVMs,
		RootPath:                  cfg.Resources.RootPath,
		MaxHistory:                cfg.Resources.MaxHistory,
		Thresholds: resource.OptimizationThresholds{
			CPUUnderutilization:    cfg.Resources.CPUUnderutilizationPct,
			MemoryUnderutilization: cfg.Resources.MemoryUnderutilizationPct,
			CPUOverutilization:     cfg.Resources.CPUOverutilizationPct,
			MemoryOverutilization:  cfg.Resources.MemoryOverutilizationPct,
			ResourcePressure:       cfg.Resources.ResourcePressurePct,
		},
	}, resource.NewGopsutilSampler(), log)

	driver, err := hypervisor.NewFirecrackerDriver(hypervisor.Config{
		FirecrackerBinary: cfg.Hypervisor.FirecrackerBinary,
		RuntimeDir:        cfg.Hypervisor.RuntimeDir,
		DefaultKernelPath: cfg.Hypervisor.DefaultKernelPath,
		DefaultKernelArgs: cfg.Hypervisor.DefaultKernelArgs,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize hypervisor driver")
	}
	resMgr.SetDriver(driver)

	vncMgr := vnc.NewManager(vnc.Config{
		BaseDisplay: cfg.VNC.BaseDisplay,
		BasePort:    cfg.VNC.BasePort,
		MaxSessions: cfg.VNC.MaxSessions,
		StateDir:    cfg.VNC.StateDir,
	}, exec, log)

	discoveryBackend, err := newDiscoveryBackend(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to build service discovery backend")
	}
	discovery := cluster.NewDiscovery(discoveryBackend, cluster.HTTPHealthChecker{Timeout: cfg.Cluster.RequestTimeout}, cfg.Cluster.HealthCheckInterval, log)

	lbConfig := domain.LoadBalancingConfig{
		Algorithm:               domain.LBAlgorithm(cfg.Cluster.Algorithm),
		HealthCheckIntervalS:    int(cfg.Cluster.HealthCheckInterval.Seconds()),
		MaxRetries:              cfg.Cluster.MaxRetries,
		TimeoutS:                int(cfg.Cluster.RequestTimeout.Seconds()),
		StickySessions:          cfg.Cluster.StickySessions,
		SessionAffinityTimeoutS: int(cfg.Cluster.SessionAffinityTimeout.Seconds()),
	}
	lb := cluster.NewLoadBalancer(discovery, lbConfig, log)

	var scaler *cluster.HorizontalScaler
	if deploymentScaler, err := newDeploymentScaler(cfg); err != nil {
		log.WithError(err).Warn("horizontal scaling disabled: no kubernetes deployment scaler available")
	} else {
		scaler = cluster.NewHorizontalScaler(discovery, deploymentScaler, cluster.ScalerConfig{
			MinReplicas:         cfg.Cluster.MinReplicas,
			MaxReplicas:         cfg.Cluster.MaxReplicas,
			TargetCPUPercent:    cfg.Cluster.TargetCPUPercent,
			TargetMemoryPercent: cfg.Cluster.TargetMemoryPercent,
			ScaleUpThreshold:    cfg.Cluster.ScaleUpThreshold,
			ScaleDownThreshold:  cfg.Cluster.ScaleDownThreshold,
		}, log)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(log)
	}

	bgWorker := worker.New(worker.DefaultConfig(), log)
	bgWorker.AddTask(worker.Task{
		Name:     "auto_scale",
		Interval: 30 * time.Second,
		Run: func(ctx context.Context) error {
			_, err := resMgr.AutoScale(ctx)
			return err
		},
	})
	bgWorker.AddTask(worker.Task{
		Name:     "health_check",
		Interval: cfg.Cluster.HealthCheckInterval,
		Run: func(ctx context.Context) error {
			_, err := discovery.GetHealthyInstances(ctx)
			return err
		},
	})
	bgWorker.AddTask(worker.Task{
		Name:     "cleanup_temp_files",
		Interval: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			if _, err := worker.CleanupTempFiles(cfg.VNC.StateDir, time.Hour); err != nil {
				return err
			}
			lb.CleanupSessionAffinity()
			return nil
		},
	})
	if collector != nil {
		bgWorker.AddTask(worker.Task{
			Name:     "collect_metrics",
			Interval: 15 * time.Second,
			Run: func(ctx context.Context) error {
				usage, err := resMgr.ExportMetrics(ctx)
				if err != nil {
					return err
				}
				collector.ObserveResourceMetrics(usage.SystemUsage)
				return nil
			},
		})
	}
	if scaler != nil {
		bgWorker.AddTask(worker.Task{
			Name:     "horizontal_auto_scale",
			Interval: cfg.Cluster.HealthCheckInterval,
			Run: func(ctx context.Context) error {
				_, err := scaler.AutoScale(ctx)
				return err
			},
		})
	}
	bgWorker.Start(ctx)

	server := api.NewServer(api.Dependencies{
		Resources: resMgr,
		Network:   netMgr,
		Images:    images,
		VNC:       vncMgr,
		Discovery: discovery,
		LB:        lb,
		Scaler:    scaler,
		Metrics:   collector,
	}, log)

	httpServer := &http.Server{
		Addr:    cfg.Runtime.ListenAddress,
		Handler: server.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.Runtime.ListenAddress).Info("listening")
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutdown requested")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown error")
	}
	if err := bgWorker.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("background worker shutdown error")
	}
	vncMgr.CleanupAllSessions(shutdownCtx)
	if err := netMgr.TeardownBridgeNetwork(shutdownCtx); err != nil {
		log.WithError(err).Error("network teardown error")
	}

	log.Info("microvm-sandboxd stopped")
}

func newLogger(cfg *config.Config) *logrus.Entry {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	if cfg.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			l.SetOutput(f)
		}
	}
	return logrus.NewEntry(l)
}

// newDiscoveryBackend picks the cluster.Backend implied by configuration:
// a fixed host list when static_hosts is set, a Kubernetes endpoints lookup
// otherwise.
func newDiscoveryBackend(cfg *config.Config) (cluster.Backend, error) {
	if len(cfg.Cluster.StaticHosts) > 0 {
		return cluster.StaticBackend{Hosts: cfg.Cluster.StaticHosts}, nil
	}
	client, err := inClusterClient()
	if err != nil {
		return nil, err
	}
	return cluster.OrchestratorBackend{
		Client:    client,
		Namespace: cfg.Cluster.KubernetesNamespace,
		Service:   cfg.Cluster.DeploymentName,
	}, nil
}

func newDeploymentScaler(cfg *config.Config) (cluster.DeploymentScaler, error) {
	client, err := inClusterClient()
	if err != nil {
		return nil, err
	}
	return cluster.KubernetesDeploymentScaler{
		Client:     client,
		Namespace:  cfg.Cluster.KubernetesNamespace,
		Deployment: cfg.Cluster.DeploymentName,
	}, nil
}

func inClusterClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("not running in a kubernetes cluster: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

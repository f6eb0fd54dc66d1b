// Package api is the REST surface described in the spec's external
// interfaces section: gorilla/mux routes over the Resource Manager,
// Network Manager, VNC Session Manager, and Cluster layer, returning the
// fixed field names and HTTP status codes that form the wire contract.
//
// Grounded on yusufkarbackk-vhi-resource-api, the pack's closest direct
// parallel (a VM/billing resource REST API also built on gorilla/mux with
// a {detail: string} JSON error body).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/cluster"
	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/image"
	"github.com/pipeops/microvm-sandbox/pkg/metrics"
	"github.com/pipeops/microvm-sandbox/pkg/network"
	"github.com/pipeops/microvm-sandbox/pkg/resource"
	"github.com/pipeops/microvm-sandbox/pkg/vnc"
)

// Server wires every core subsystem to HTTP handlers.
type Server struct {
	log *logrus.Entry

	resources *resource.Manager
	net       *network.Manager
	images    *image.Registry
	vncs      *vnc.Manager
	discovery *cluster.Discovery
	lb        *cluster.LoadBalancer
	scaler    *cluster.HorizontalScaler
	collector *metrics.Collector

	router *mux.Router
}

// Dependencies bundles every subsystem the API dispatches to. All fields
// are required except Scaler, which is nil in single-instance deployments
// with no orchestrator-backed scaling target, and Metrics, which is nil when
// metrics are disabled (no /metrics route is registered then).
type Dependencies struct {
	Resources *resource.Manager
	Network   *network.Manager
	Images    *image.Registry
	VNC       *vnc.Manager
	Discovery *cluster.Discovery
	LB        *cluster.LoadBalancer
	Scaler    *cluster.HorizontalScaler
	Metrics   *metrics.Collector
}

// NewServer builds the router. Callers pass the result to http.Server.
func NewServer(deps Dependencies, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	s := &Server{
		log:       log.WithField("component", "api_server"),
		resources: deps.Resources,
		net:       deps.Network,
		images:    deps.Images,
		vncs:      deps.VNC,
		discovery: deps.Discovery,
		lb:        deps.LB,
		scaler:    deps.Scaler,
		collector: deps.Metrics,
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the root http.Handler for the server, suitable for
// http.Server.Handler.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.router)
}

func (s *Server) routes() {
	r := s.router.PathPrefix("/api/v1").Subrouter()

	r.HandleFunc("/resources/system/usage", s.handleSystemUsage).Methods(http.MethodGet)
	r.HandleFunc("/resources/allocate/{vm}", s.handleAllocate).Methods(http.MethodPost)
	r.HandleFunc("/resources/deallocate/{vm}", s.handleDeallocate).Methods(http.MethodDelete)
	r.HandleFunc("/resources/allocations/{vm}/usage", s.handleUpdateUsage).Methods(http.MethodPut)
	r.HandleFunc("/resources/allocations/{vm}/resize", s.handleResize).Methods(http.MethodPut)
	r.HandleFunc("/resources/quotas/{user_id}", s.handleGetQuota).Methods(http.MethodGet)
	r.HandleFunc("/resources/quotas/{user_id}", s.handleSetQuota).Methods(http.MethodPost)
	r.HandleFunc("/resources/recommendations", s.handleRecommendations).Methods(http.MethodGet)
	r.HandleFunc("/resources/auto-scale", s.handleResourceAutoScale).Methods(http.MethodPost)

	r.HandleFunc("/images", s.handleListImages).Methods(http.MethodGet)
	r.HandleFunc("/images", s.handleRegisterImage).Methods(http.MethodPost)
	r.HandleFunc("/images/{name}", s.handleGetImage).Methods(http.MethodGet)
	r.HandleFunc("/images/{name}", s.handleRemoveImage).Methods(http.MethodDelete)
	r.HandleFunc("/images/{name}/verify", s.handleVerifyImage).Methods(http.MethodPost)
	r.HandleFunc("/images/create/windows", s.handleCreateWindowsImage).Methods(http.MethodPost)
	r.HandleFunc("/images/create/linux-rootfs", s.handleCreateLinuxRootfs).Methods(http.MethodPost)

	r.HandleFunc("/network/interfaces", s.handleListInterfaces).Methods(http.MethodGet)
	r.HandleFunc("/network/setup", s.handleNetworkSetup).Methods(http.MethodPost)
	r.HandleFunc("/network/teardown", s.handleNetworkTeardown).Methods(http.MethodPost)
	r.HandleFunc("/network/vm/{vm}/port-forward", s.handlePortForwardCreate).Methods(http.MethodPost)
	r.HandleFunc("/network/vm/{vm}/port-forward", s.handlePortForwardDelete).Methods(http.MethodDelete)

	r.HandleFunc("/vnc/start", s.handleVNCStart).Methods(http.MethodPost)
	r.HandleFunc("/vnc/stop", s.handleVNCStop).Methods(http.MethodPost)
	r.HandleFunc("/vnc/screenshot", s.handleVNCScreenshot).Methods(http.MethodPost)
	r.HandleFunc("/vnc/mouse/click", s.handleVNCMouseClick).Methods(http.MethodPost)
	r.HandleFunc("/vnc/keyboard/keys", s.handleVNCSendKeys).Methods(http.MethodPost)
	r.HandleFunc("/vnc/info/{vm}", s.handleVNCInfo).Methods(http.MethodGet)
	r.HandleFunc("/vnc/sessions", s.handleVNCSessions).Methods(http.MethodGet)

	r.HandleFunc("/cluster/status", s.handleClusterStatus).Methods(http.MethodGet)
	r.HandleFunc("/cluster/instances", s.handleClusterInstances).Methods(http.MethodGet)
	r.HandleFunc("/cluster/instances/healthy", s.handleClusterHealthyInstances).Methods(http.MethodGet)
	r.HandleFunc("/cluster/scale", s.handleClusterScale).Methods(http.MethodPost)
	r.HandleFunc("/cluster/auto-scale", s.handleClusterAutoScale).Methods(http.MethodPost)
	r.HandleFunc("/cluster/service-discovery/refresh", s.handleServiceDiscoveryRefresh).Methods(http.MethodPost)
	r.HandleFunc("/cluster/health", s.handleClusterHealth).Methods(http.MethodGet)

	if s.collector != nil {
		s.router.Handle("/metrics", s.collector.Handler())
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request handled")
	})
}

// writeJSON writes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// errorDetail is the fixed {detail: string} error body per §6.
type errorDetail struct {
	Detail string `json:"detail"`
}

// writeError maps a domain.Error's category to the §7 HTTP status family.
// Any other error is treated as an unexpected 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var derr *domain.Error
	if asDomainError(err, &derr) {
		switch derr.Category {
		case domain.CategoryValidation, domain.CategoryResourceExhausted:
			status = http.StatusBadRequest
		case domain.CategoryNotFound:
			status = http.StatusNotFound
		case domain.CategoryTransient, domain.CategoryFatal:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, errorDetail{Detail: err.Error()})
}

func asDomainError(err error, target **domain.Error) bool {
	for err != nil {
		if de, ok := err.(*domain.Error); ok {
			*target = de
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func requestContext(r *http.Request) context.Context { return r.Context() }

package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.lb.GetClusterStatus(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClusterInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.discovery.DiscoverInstances(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleClusterHealthyInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.discovery.GetHealthyInstances(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

type scaleRequest struct {
	Action   string `json:"action"` // "up" | "down" | "set"
	Replicas int    `json:"replicas,omitempty"`
}

func (s *Server) handleClusterScale(w http.ResponseWriter, r *http.Request) {
	if s.scaler == nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "horizontal scaling is not configured for this deployment"})
		return
	}

	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}

	switch req.Action {
	case "up", "down":
		result, err := s.scaler.AutoScale(requestContext(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "set":
		current, err := s.scaler.GetCurrentMetrics(requestContext(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": current, "requested_replicas": req.Replicas})
	default:
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "action must be one of up, down, set"})
	}
}

func (s *Server) handleClusterAutoScale(w http.ResponseWriter, r *http.Request) {
	if s.scaler == nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "horizontal scaling is not configured for this deployment"})
		return
	}
	result, err := s.scaler.AutoScale(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleServiceDiscoveryRefresh(w http.ResponseWriter, r *http.Request) {
	instances, err := s.discovery.DiscoverInstances(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	instances, err := s.discovery.GetHealthyInstances(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	healthy := len(instances) > 0
	status := http.StatusOK
	if !healthy {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{"healthy": healthy, "healthy_instances": len(instances)})
}

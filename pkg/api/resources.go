package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

type allocateRequest struct {
	VCPUs    int `json:"vcpus"`
	MemoryMB int `json:"memory_mb"`
	DiskGB   int `json:"disk_gb"`
	Priority int `json:"priority"`
}

func (s *Server) handleSystemUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.resources.GetSystemResources(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	userID := r.URL.Query().Get("user_id")

	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}

	var quota *domain.ResourceQuota
	if userID != "" {
		q := s.resources.GetQuota(userID)
		quota = &q
	}

	ok, err := s.resources.Allocate(requestContext(r), vm, req.VCPUs, req.MemoryMB, req.DiskGB, req.Priority, quota)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "allocation rejected: over quota or insufficient resources"})
		return
	}

	allocation, _ := s.resources.GetAllocation(vm)
	writeJSON(w, http.StatusOK, allocation)
}

func (s *Server) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	if !s.resources.Deallocate(vm) {
		writeJSON(w, http.StatusNotFound, errorDetail{Detail: "allocation not found"})
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type usageRequest struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
}

func (s *Server) handleUpdateUsage(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	if req.CPUUsagePercent < 0 || req.CPUUsagePercent > 100 || req.MemoryUsagePercent < 0 || req.MemoryUsagePercent > 100 {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "usage percentages must be in [0, 100]"})
		return
	}
	if !s.resources.UpdateUsage(vm, req.CPUUsagePercent, req.MemoryUsagePercent) {
		writeJSON(w, http.StatusNotFound, errorDetail{Detail: "allocation not found"})
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type resizeRequest struct {
	VCPUs    *int `json:"vcpus"`
	MemoryMB *int `json:"memory_mb"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	ok, err := s.resources.Resize(requestContext(r), vm, req.VCPUs, req.MemoryMB)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "resize rejected: exceeds system limits or availability"})
		return
	}
	allocation, _ := s.resources.GetAllocation(vm)
	writeJSON(w, http.StatusOK, allocation)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	writeJSON(w, http.StatusOK, s.resources.GetQuota(userID))
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	var quota domain.ResourceQuota
	if err := json.NewDecoder(r.Body).Decode(&quota); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	s.resources.SetQuota(userID, quota)
	writeJSON(w, http.StatusOK, quota)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.resources.GetRecommendations(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleResourceAutoScale(w http.ResponseWriter, r *http.Request) {
	actions, err := s.resources.AutoScale(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

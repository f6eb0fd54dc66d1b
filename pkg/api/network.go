package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.net.ListNetworkInterfaces())
}

func (s *Server) handleNetworkSetup(w http.ResponseWriter, r *http.Request) {
	if err := s.net.SetupBridgeNetwork(requestContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleNetworkTeardown(w http.ResponseWriter, r *http.Request) {
	if err := s.net.TeardownBridgeNetwork(requestContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type portForwardRequest struct {
	GuestPort int    `json:"guest_port"`
	HostPort  int    `json:"host_port,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
}

type portForwardDeleteRequest struct {
	GuestPort int `json:"guest_port"`
}

func (s *Server) handlePortForwardCreate(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	var req portForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	if req.Protocol == "" {
		req.Protocol = "tcp"
	}

	info, ok := s.net.GetVMNetworkInfo(vm)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorDetail{Detail: "vm has no network interface"})
		return
	}

	hostPort, err := s.net.AllocatePortForward(requestContext(r), vm, info.VMIP, req.GuestPort, req.HostPort, req.Protocol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"host_port": hostPort})
}

func (s *Server) handlePortForwardDelete(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	var req portForwardDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}

	hostPort, ok := s.net.FindPortForwardByGuestPort(vm, req.GuestPort)
	if !ok || !s.net.RemovePortForward(requestContext(r), vm, hostPort) {
		writeJSON(w, http.StatusNotFound, errorDetail{Detail: "port forward not found"})
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

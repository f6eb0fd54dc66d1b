package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
)

type vncStartRequest struct {
	VM      string         `json:"vm"`
	OSType  domain.OSType  `json:"os_type"`
	VNCType domain.VNCType `json:"vnc_type"`
}

func (s *Server) handleVNCStart(w http.ResponseWriter, r *http.Request) {
	var req vncStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	session, err := s.vncs.StartVNCServer(requestContext(r), req.VM, req.OSType, req.VNCType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type vmRequest struct {
	VM string `json:"vm"`
}

func (s *Server) handleVNCStop(w http.ResponseWriter, r *http.Request) {
	var req vmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	if err := s.vncs.StopVNCServer(requestContext(r), req.VM); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type screenshotRequest struct {
	VM      string `json:"vm"`
	OutPath string `json:"out_path"`
}

func (s *Server) handleVNCScreenshot(w http.ResponseWriter, r *http.Request) {
	var req screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	if err := s.vncs.TakeScreenshot(requestContext(r), req.VM, req.OutPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.OutPath})
}

type mouseClickRequest struct {
	VM     string `json:"vm"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button int    `json:"button"`
}

func (s *Server) handleVNCMouseClick(w http.ResponseWriter, r *http.Request) {
	var req mouseClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	if err := s.vncs.MouseClick(requestContext(r), req.VM, req.X, req.Y, req.Button); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type sendKeysRequest struct {
	VM   string   `json:"vm"`
	Keys []string `json:"keys"`
}

func (s *Server) handleVNCSendKeys(w http.ResponseWriter, r *http.Request) {
	var req sendKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "invalid request body"})
		return
	}
	if err := s.vncs.SendKeys(requestContext(r), req.VM, req.Keys); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleVNCInfo(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	session, ok := s.vncs.GetVNCInfo(vm)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorDetail{Detail: "vnc session not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleVNCSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.vncs.ListVNCSessions())
}

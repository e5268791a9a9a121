package server

import (
	"encoding/json"
	"net/http"

	"github.com/leash-dev/leash/internal/session"
)

type createRequest struct {
	Adapter      string `json:"adapter"`
	Directory    string `json:"directory"`
	Name         string `json:"name"`
	ApprovalMode int    `json:"approval_mode"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Adapter == "" {
		writeError(w, http.StatusBadRequest, "adapter is required")
		return
	}

	rec, err := s.store.Create(r.Context(), session.CreateOptions{
		Adapter:      req.Adapter,
		Directory:    req.Directory,
		Name:         req.Name,
		ApprovalMode: req.ApprovalMode,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.store.Start(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.store.SendInput(r.Context(), r.PathValue("id"), req.Text); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Interrupt(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupting"})
}

func (s *Server) handleApprovalMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode int `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.UpdateApprovalMode(r.Context(), r.PathValue("id"), req.Mode); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_mode": req.Mode})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allowed bool   `json:"allowed"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.store.ResolvePermission(r.Context(), r.PathValue("id"), r.PathValue("request_id"), req.Allowed, req.Message)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.UsageSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

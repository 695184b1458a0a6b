package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func errJobNotFound(id string) error {
	return fmt.Errorf("download job not found: %s", id)
}

type createDownloadRequest struct {
	Kind     models.JobKind        `json:"kind"`
	Target   models.DownloadTarget `json:"target"`
	ClientID string                `json:"client_id,omitempty"`
}

func (s *Server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	if req.Kind == "" {
		sendError(w, http.StatusBadRequest, errors.New("kind is required"))
		return
	}

	job, err := s.scheduler.Submit(r.Context(), req.Kind, req.Target, req.ClientID)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: job})
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.scheduler.Job(id)
	if !ok {
		sendError(w, http.StatusNotFound, errJobNotFound(id))
		return
	}
	sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: job})
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.scheduler.Job(id); !ok {
		sendError(w, http.StatusNotFound, errJobNotFound(id))
		return
	}
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	sendJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := models.JobKind(q.Get("kind"))
	state := models.JobState(q.Get("state"))
	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), 50)

	jobs := s.scheduler.List(kind, state, page, limit)
	sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: jobs})
}

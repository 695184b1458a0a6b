package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func errSourceNotFound(id string) error {
	return fmt.Errorf("source not found: %s", id)
}

// TierLookup resolves a source id to its registry-assigned tier, letting
// handleSourcesHealth enrich health records (which carry no tier of their
// own) without the health package depending on the registry.
type TierLookup interface {
	TierOf(sourceID string) (models.Tier, bool)
}

type sourceHealthView struct {
	Healthy bool        `json:"healthy"`
	Message string      `json:"message"`
	Tier    models.Tier `json:"tier"`
}

type sourcesHealthView struct {
	Indexers map[string]sourceHealthView `json:"indexers"`
	Summary  sourcesSummaryView          `json:"summary"`
}

type sourcesSummaryView struct {
	Total        int     `json:"total"`
	Healthy      int     `json:"healthy"`
	OverallHealth float64 `json:"overall_health"`
}

func (s *Server) handleSourcesHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.health.AllStatuses()

	indexers := make(map[string]sourceHealthView, len(statuses))
	healthyCount := 0
	for _, st := range statuses {
		healthy := st.IsAdmissible()
		if healthy {
			healthyCount++
		}
		message := "ok"
		if st.LastError != nil {
			message = st.LastError.Message
		}
		view := sourceHealthView{Healthy: healthy, Message: message}
		if s.tiers != nil {
			if tier, ok := s.tiers.TierOf(st.SourceID); ok {
				view.Tier = tier
			}
		}
		indexers[st.SourceID] = view
	}

	overall := 0.0
	if len(statuses) > 0 {
		overall = float64(healthyCount) / float64(len(statuses))
	}

	sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: sourcesHealthView{
		Indexers: indexers,
		Summary: sourcesSummaryView{
			Total:         len(statuses),
			Healthy:       healthyCount,
			OverallHealth: overall,
		},
	}})
}

func (s *Server) handleProbeSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.health.Probe(r.Context(), id)

	st, ok := s.health.Status(id)
	if !ok {
		sendError(w, http.StatusNotFound, errSourceNotFound(id))
		return
	}
	sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: st})
}

type patchSourceRequest struct {
	Enabled          *bool `json:"enabled"`
	CheckIntervalMin *int  `json:"check_interval_min"`
	FailureThreshold *int  `json:"failure_threshold"`
}

func (s *Server) handlePatchSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch patchSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}

	if _, ok := s.health.Status(id); !ok {
		sendError(w, http.StatusNotFound, errSourceNotFound(id))
		return
	}

	if patch.Enabled != nil {
		s.health.SetEnabled(id, *patch.Enabled)
	}
	if patch.CheckIntervalMin != nil {
		s.health.SetCheckInterval(id, *patch.CheckIntervalMin)
	}
	if patch.FailureThreshold != nil {
		s.health.SetFailureThreshold(id, *patch.FailureThreshold)
	}

	st, _ := s.health.Status(id)
	sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: st})
}

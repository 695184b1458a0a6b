package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/errs"
	"github.com/Futs/kuroibara-sub003/internal/models"
)

type sourceAttributionView struct {
	Name             string  `json:"name"`
	Tier             string  `json:"tier"`
	Count            int     `json:"count"`
	ConfidenceRange  [2]float64 `json:"confidence_range"`
}

type searchResponseView struct {
	Results     []models.UniversalEntry `json:"results"`
	Total       int                     `json:"total"`
	Page        int                     `json:"page"`
	Limit       int                     `json:"limit"`
	HasNext     bool                    `json:"has_next"`
	Sources     []sourceAttributionView `json:"sources"`
	Performance performanceView         `json:"performance"`
	Failures    map[string]string       `json:"failures,omitempty"`
}

type performanceView struct {
	ResponseTimeMS float64 `json:"response_time_ms"`
	Cached         bool    `json:"cached"`
}

func maxLatencyMS(latencies map[string]time.Duration) float64 {
	var max time.Duration
	for _, d := range latencies {
		if d > max {
			max = d
		}
	}
	return float64(max) / float64(time.Millisecond)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		sendError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}

	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), 20)

	req := models.SearchRequest{
		Query: query,
		Page:  page,
		Limit: limit,
		Filter: models.Filter{
			AllowNSFW: q.Get("nsfw") == "true",
		},
	}

	result, err := s.search.Search(r.Context(), req)
	if err != nil {
		if errs.Classify(err) == errs.AllSourcesFailed {
			sendError(w, http.StatusServiceUnavailable, err)
			return
		}
		sendError(w, http.StatusInternalServerError, err)
		return
	}

	sources := make([]sourceAttributionView, 0, len(result.Sources))
	for _, a := range result.Sources {
		sources = append(sources, sourceAttributionView{
			Name:          a.Name,
			Tier:          string(a.Tier),
			Count:         a.Count,
			ConfidenceRange: [2]float64{a.ConfidenceMin, a.ConfidenceMax},
		})
	}

	sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: searchResponseView{
		Results:     result.Results,
		Total:       result.TotalEstimate,
		Page:        result.Page,
		Limit:       result.Limit,
		HasNext:     result.HasNext,
		Sources:     sources,
		Performance: performanceView{
			ResponseTimeMS: maxLatencyMS(result.SourceLatencies),
			Cached:         result.CacheHit,
		},
		Failures:    result.Failures,
	}})
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

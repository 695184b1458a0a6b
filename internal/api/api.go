// Package api exposes the Service API (§6): enhanced search, source
// health/admin, and the download-job CRUD + WebSocket progress feed, all
// fronting the Tiered Search Engine, Health Monitor and Download
// Scheduler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/scheduler"
)

var errUnexpected = errors.New("internal error")

// Searcher is the subset of search.Engine the API needs.
type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (*models.SearchResultPage, error)
}

// HealthReporter is the subset of health.Monitor the API needs.
type HealthReporter interface {
	AllStatuses() []models.SourceStatus
	Status(sourceID string) (models.SourceStatus, bool)
	Probe(ctx context.Context, sourceID string)
	SetEnabled(sourceID string, enabled bool)
	SetCheckInterval(sourceID string, minutes int)
	SetFailureThreshold(sourceID string, threshold int)
}

// DownloadScheduler is the subset of scheduler.Scheduler the API needs.
type DownloadScheduler interface {
	Submit(ctx context.Context, kind models.JobKind, target models.DownloadTarget, clientID string) (*models.DownloadJob, error)
	Job(id string) (models.DownloadJob, bool)
	List(kind models.JobKind, state models.JobState, page, limit int) []models.DownloadJob
	Cancel(ctx context.Context, jobID string) error
	Events() <-chan scheduler.Event
}

// APIResponse is the uniform envelope for every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Server wires the three orchestration components to HTTP handlers.
type Server struct {
	log *logging.Logger

	search    Searcher
	health    HealthReporter
	scheduler DownloadScheduler
	tiers     TierLookup

	wsUpgrader websocket.Upgrader
	hub        *wsHub
}

// New constructs a Server. log may be nil, in which case the global
// logger is used. tiers may be nil, in which case health responses omit
// the per-source tier.
func New(search Searcher, health HealthReporter, sched DownloadScheduler, tiers TierLookup, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Global()
	}
	s := &Server{
		log:       log.WithComponent("api"),
		search:    search,
		health:    health,
		scheduler: sched,
		tiers:     tiers,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newWSHub(),
	}
	if sched != nil {
		go s.hub.pump(sched.Events())
	}
	return s
}

// Router builds the gorilla/mux router for every §6 endpoint.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(recoverMiddleware(s.log))

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/search/enhanced", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/sources/health", s.handleSourcesHealth).Methods(http.MethodGet)
	api.HandleFunc("/sources/{id}/probe", s.handleProbeSource).Methods(http.MethodPost)
	api.HandleFunc("/sources/{id}", s.handlePatchSource).Methods(http.MethodPatch)
	api.HandleFunc("/downloads", s.handleCreateDownload).Methods(http.MethodPost)
	api.HandleFunc("/downloads", s.handleListDownloads).Methods(http.MethodGet)
	api.HandleFunc("/downloads/ws", s.handleDownloadsWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/downloads/{id}", s.handleGetDownload).Methods(http.MethodGet)
	api.HandleFunc("/downloads/{id}", s.handleCancelDownload).Methods(http.MethodDelete)

	return router
}

func sendJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func sendError(w http.ResponseWriter, status int, err error) {
	sendJSON(w, status, APIResponse{Success: false, Error: err.Error()})
}

func recoverMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
					sendError(w, http.StatusInternalServerError, errUnexpected)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

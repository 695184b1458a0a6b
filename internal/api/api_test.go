package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/scheduler"
)

type fakeSearcher struct {
	page *models.SearchResultPage
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResultPage, error) {
	return f.page, f.err
}

type fakeHealth struct {
	statuses map[string]models.SourceStatus
}

func (f *fakeHealth) AllStatuses() []models.SourceStatus {
	out := make([]models.SourceStatus, 0, len(f.statuses))
	for _, s := range f.statuses {
		out = append(out, s)
	}
	return out
}
func (f *fakeHealth) Status(id string) (models.SourceStatus, bool) {
	s, ok := f.statuses[id]
	return s, ok
}
func (f *fakeHealth) Probe(ctx context.Context, id string) {}
func (f *fakeHealth) SetEnabled(id string, enabled bool) {
	s := f.statuses[id]
	s.Enabled = enabled
	f.statuses[id] = s
}
func (f *fakeHealth) SetCheckInterval(id string, minutes int) {
	s := f.statuses[id]
	s.CheckIntervalMin = minutes
	f.statuses[id] = s
}
func (f *fakeHealth) SetFailureThreshold(id string, threshold int) {
	s := f.statuses[id]
	s.FailureThreshold = threshold
	f.statuses[id] = s
}

type fakeScheduler struct {
	jobs   map[string]models.DownloadJob
	events chan scheduler.Event
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]models.DownloadJob), events: make(chan scheduler.Event, 1)}
}

func (f *fakeScheduler) Submit(ctx context.Context, kind models.JobKind, target models.DownloadTarget, clientID string) (*models.DownloadJob, error) {
	job := models.DownloadJob{ID: "job-1", Kind: kind, Target: target, ClientID: clientID, Status: models.JobPending}
	f.jobs[job.ID] = job
	return &job, nil
}
func (f *fakeScheduler) Job(id string) (models.DownloadJob, bool) {
	j, ok := f.jobs[id]
	return j, ok
}
func (f *fakeScheduler) List(kind models.JobKind, state models.JobState, page, limit int) []models.DownloadJob {
	out := make([]models.DownloadJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}
func (f *fakeScheduler) Cancel(ctx context.Context, id string) error {
	j := f.jobs[id]
	j.Status = models.JobCancelled
	f.jobs[id] = j
	return nil
}
func (f *fakeScheduler) Events() <-chan scheduler.Event { return f.events }

func TestHandleSearchRequiresQuery(t *testing.T) {
	s := New(&fakeSearcher{page: &models.SearchResultPage{}}, &fakeHealth{statuses: map[string]models.SourceStatus{}}, newFakeScheduler(), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/search/enhanced", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSearchReturnsResults(t *testing.T) {
	page := &models.SearchResultPage{
		Results:       []models.UniversalEntry{{ID: "e1", Title: "Test Manga"}},
		TotalEstimate: 1,
		Page:          1,
		Limit:         20,
	}
	s := New(&fakeSearcher{page: page}, &fakeHealth{statuses: map[string]models.SourceStatus{}}, newFakeScheduler(), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/search/enhanced?query=solo+leveling", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
}

func TestHandleSourcesHealth(t *testing.T) {
	health := &fakeHealth{statuses: map[string]models.SourceStatus{
		"mangadex": {SourceID: "mangadex", Status: models.StateActive, Enabled: true},
		"down-src": {SourceID: "down-src", Status: models.StateDown, Enabled: true},
	}}
	s := New(&fakeSearcher{}, health, newFakeScheduler(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/sources/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    sourcesHealthView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Data.Summary.Total)
	require.Equal(t, 1, resp.Data.Summary.Healthy)
}

func TestHandlePatchSourceUpdatesEnabled(t *testing.T) {
	health := &fakeHealth{statuses: map[string]models.SourceStatus{
		"mangadex": {SourceID: "mangadex", Enabled: true},
	}}
	s := New(&fakeSearcher{}, health, newFakeScheduler(), nil, nil)
	body := strings.NewReader(`{"enabled": false}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/sources/mangadex", body)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, health.statuses["mangadex"].Enabled)
}

func TestHandlePatchSourceNotFound(t *testing.T) {
	s := New(&fakeSearcher{}, &fakeHealth{statuses: map[string]models.SourceStatus{}}, newFakeScheduler(), nil, nil)
	req := httptest.NewRequest(http.MethodPatch, "/api/sources/nope", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCreateAndGetDownload(t *testing.T) {
	sched := newFakeScheduler()
	s := New(&fakeSearcher{}, &fakeHealth{statuses: map[string]models.SourceStatus{}}, sched, nil, nil)

	body := strings.NewReader(`{"kind":"torrent","target":{"ExternalDescriptor":"magnet:?xt=urn:btih:abc"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/downloads", body)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/downloads/job-1", nil)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleCancelDownloadNotFound(t *testing.T) {
	s := New(&fakeSearcher{}, &fakeHealth{statuses: map[string]models.SourceStatus{}}, newFakeScheduler(), nil, nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/downloads/nope", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListDownloads(t *testing.T) {
	sched := newFakeScheduler()
	sched.jobs["a"] = models.DownloadJob{ID: "a", Kind: models.JobDirect, Status: models.JobActive}
	s := New(&fakeSearcher{}, &fakeHealth{statuses: map[string]models.SourceStatus{}}, sched, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/downloads", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

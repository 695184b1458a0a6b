package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/registry"
)

type fakeSource struct {
	desc    models.SourceDescriptor
	entries []registry.NativeEntry
	err     error
}

func (f *fakeSource) Search(ctx context.Context, query string, page, limit int) ([]registry.NativeEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}
func (f *fakeSource) Details(ctx context.Context, nativeID string) (*registry.NativeDetails, error) {
	return &registry.NativeDetails{}, nil
}
func (f *fakeSource) Chapters(ctx context.Context, nativeID string) ([]models.ChapterRef, error) {
	return nil, nil
}
func (f *fakeSource) Pages(ctx context.Context, chapterNativeID string) ([]string, error) {
	return nil, nil
}
func (f *fakeSource) Probe(ctx context.Context) (bool, float64, error) { return true, 10, nil }
func (f *fakeSource) Descriptor() models.SourceDescriptor              { return f.desc }

type fakeRegistry struct {
	sources map[string]*fakeSource
}

func (r *fakeRegistry) All() []models.SourceDescriptor {
	out := make([]models.SourceDescriptor, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.desc)
	}
	return out
}

func (r *fakeRegistry) Get(id string) (registry.Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(string) bool { return true }

func descriptor(id string, tier models.Tier) models.SourceDescriptor {
	return models.SourceDescriptor{
		ID:           id,
		Name:         id,
		Tier:         tier,
		Capabilities: models.NewCapabilitySet(models.CapSearch),
	}
}

func TestSearchFusesDuplicateTitlesAcrossSources(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]*fakeSource{
		"alpha": {desc: descriptor("alpha", models.TierPrimary), entries: []registry.NativeEntry{
			{NativeID: "a1", Title: "One Piece", Description: "pirates"},
		}},
		"beta": {desc: descriptor("beta", models.TierSecondary), entries: []registry.NativeEntry{
			{NativeID: "b1", Title: "one piece", CoverURL: "http://cover"},
		}},
	}}

	e := New(Config{}, reg, alwaysHealthy{}, nil)
	page, err := e.Search(context.Background(), models.SearchRequest{Query: "one piece", Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Len(t, page.Results[0].SourceOrigins, 2)
	require.Equal(t, "pirates", page.Results[0].Description)
	require.Equal(t, "http://cover", page.Results[0].CoverURL)
}

func TestSearchReturnsAllSourcesFailedWhenEverySourceErrors(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]*fakeSource{
		"alpha": {desc: descriptor("alpha", models.TierPrimary), err: context.DeadlineExceeded},
	}}

	e := New(Config{}, reg, alwaysHealthy{}, nil)
	_, err := e.Search(context.Background(), models.SearchRequest{Query: "missing", Page: 1, Limit: 10})
	require.Error(t, err)
}

func TestSearchUsesCacheOnSecondCall(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]*fakeSource{
		"alpha": {desc: descriptor("alpha", models.TierPrimary), entries: []registry.NativeEntry{
			{NativeID: "a1", Title: "Naruto"},
		}},
	}}

	e := New(Config{}, reg, alwaysHealthy{}, nil)
	req := models.SearchRequest{Query: "naruto", Page: 1, Limit: 10}

	first, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
}

func TestSearchExcludesNSFWWhenNotAllowed(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]*fakeSource{
		"alpha": {desc: descriptor("alpha", models.TierPrimary), entries: []registry.NativeEntry{
			{NativeID: "a1", Title: "Adult Title", NSFW: true},
		}},
	}}

	e := New(Config{}, reg, alwaysHealthy{}, nil)
	page, err := e.Search(context.Background(), models.SearchRequest{Query: "adult", Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, page.Results)
}

func TestSearchSkipsUnhealthySources(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]*fakeSource{
		"alpha": {desc: descriptor("alpha", models.TierPrimary), entries: []registry.NativeEntry{
			{NativeID: "a1", Title: "Bleach"},
		}},
	}}

	e := New(Config{}, reg, unhealthySources{"alpha": true}, nil)
	page, err := e.Search(context.Background(), models.SearchRequest{Query: "bleach", Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, page.Results)
}

type unhealthySources map[string]bool

func (u unhealthySources) IsHealthy(id string) bool { return !u[id] }

func TestSearchFeedsTextIndexForSuggestions(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]*fakeSource{
		"alpha": {desc: descriptor("alpha", models.TierPrimary), entries: []registry.NativeEntry{
			{NativeID: "a1", Title: "Vagabond", Description: "swordsman"},
		}},
	}}

	e := New(Config{}, reg, alwaysHealthy{}, nil)
	defer e.Shutdown()

	_, err := e.Search(context.Background(), models.SearchRequest{Query: "vagabond", Page: 1, Limit: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids, err := e.SuggestTitles("Vagabond", 5)
		return err == nil && len(ids) == 1
	}, time.Second, 10*time.Millisecond)
}

package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/workers"
)

// textIndex is §4.5's durable secondary index: a bleve full-text index over
// fused UniversalEntry records, keyed by fingerprint, kept current by a
// worker pool fed from fuse() rather than the search request path. It is
// read by Engine.SuggestTitles; fuse itself writes to it but never queries
// it.
type textIndex struct {
	idx  bleve.Index
	pool *workers.Pool
	log  *logging.Logger
}

type indexDoc struct {
	Fingerprint string   `json:"fingerprint"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Genres      []string `json:"genres"`
}

func newIndexMapping() *bleve.IndexMapping {
	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name

	fingerprint := bleve.NewTextFieldMapping()
	fingerprint.Analyzer = "keyword"

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", title)
	doc.AddFieldMappingsAt("fingerprint", fingerprint)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// openOrCreateIndex opens the on-disk index at path, creating it if it
// does not yet exist. An empty path falls back to an in-memory index,
// useful for tests.
func openOrCreateIndex(path string) (bleve.Index, error) {
	if path == "" {
		return bleve.NewMemOnly(newIndexMapping())
	}
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	if err != bleve.ErrorIndexPathDoesNotExist {
		return nil, fmt.Errorf("open index at %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory for %s: %w", path, err)
	}
	return bleve.New(path, newIndexMapping())
}

func newTextIndex(path string, workerCount int, log *logging.Logger) (*textIndex, error) {
	idx, err := openOrCreateIndex(path)
	if err != nil {
		return nil, fmt.Errorf("search: open text index: %w", err)
	}
	pool := workers.NewPool(workers.Config{WorkerCount: workerCount})
	if err := pool.Start(); err != nil {
		idx.Close()
		return nil, fmt.Errorf("search: start index worker pool: %w", err)
	}
	return &textIndex{idx: idx, pool: pool, log: log.WithComponent("search.index")}, nil
}

// indexTask indexes one fused entry; it implements workers.Task so the
// fuse() hot path never blocks on bleve's write lock.
type indexTask struct {
	idx bleve.Index
	doc indexDoc
}

func (t indexTask) ID() string { return t.doc.Fingerprint }

func (t indexTask) Execute(ctx context.Context) (interface{}, error) {
	return nil, t.idx.Index(t.doc.Fingerprint, t.doc)
}

// indexAsync enqueues entry for indexing under fingerprint fp. A full queue
// drops the update silently: the index is a fast-path optimization, not the
// source of truth, so a missed update only costs a future cold-cache miss.
func (t *textIndex) indexAsync(fp string, entry *models.UniversalEntry) {
	doc := indexDoc{Fingerprint: fp, Title: entry.Title, Description: entry.Description, Genres: entry.Genres}
	if err := t.pool.Submit(indexTask{idx: t.idx, doc: doc}); err != nil {
		t.log.Debugf("drop index update for %q: %v", entry.Title, err)
	}
}

// seen reports whether fp has already been indexed from a prior fuse pass
// in this process. fuse does not call it.
func (t *textIndex) seen(fp string) bool {
	q := bleve.NewTermQuery(fp)
	q.SetField("fingerprint")
	req := bleve.NewSearchRequest(q)
	req.Size = 1

	result, err := t.idx.Search(req)
	if err != nil {
		return false
	}
	return result.Total > 0
}

// searchTitles runs a full-text query over indexed titles/descriptions,
// returning matching fingerprints ordered by bleve's relevance score. Used
// to serve suggestion/autocomplete style lookups without re-querying every
// source.
func (t *textIndex) searchTitles(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = limit

	result, err := t.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: query text index: %w", err)
	}
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func (t *textIndex) close() {
	t.pool.Shutdown()
	t.idx.Close()
}

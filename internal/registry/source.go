// Package registry discovers, loads, and exposes Sources: the generic
// (data-driven) and custom (code) adapters that the Search Engine and
// Download Scheduler call through a single interface (§4.3).
package registry

import (
	"context"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// NativeEntry is one search result in a source's own shape, before the
// Search Engine fuses it into a UniversalEntry.
type NativeEntry struct {
	NativeID    string
	Title       string
	CoverURL    string
	Description string
	NSFW        bool
}

// NativeDetails is a source's title-details response.
type NativeDetails struct {
	Title             string
	AlternativeTitles []string
	Description       string
	CoverURL          string
	Type              models.EntryType
	Status            models.PublicationStatus
	Year              int
	NSFW              bool
	Genres            []string
	Authors           []models.Author
	Rating            *float64
}

type priorityKey struct{}

// WithPriority attaches a caller-assigned dispatch priority to ctx, read by
// the Dispatcher when gating through the Rate Controller. Callers that
// don't set one get priority 0.
func WithPriority(ctx context.Context, priority int) context.Context {
	return context.WithValue(ctx, priorityKey{}, priority)
}

func priorityFrom(ctx context.Context) int {
	if p, ok := ctx.Value(priorityKey{}).(int); ok {
		return p
	}
	return 0
}

// Source is the single interface every adapter — generic or custom — is
// accessed through.
type Source interface {
	Search(ctx context.Context, query string, page, limit int) ([]NativeEntry, error)
	Details(ctx context.Context, nativeID string) (*NativeDetails, error)
	Chapters(ctx context.Context, nativeID string) ([]models.ChapterRef, error)
	Pages(ctx context.Context, chapterNativeID string) ([]string, error)
	Probe(ctx context.Context) (healthy bool, latencyMS float64, err error)
	Descriptor() models.SourceDescriptor
}

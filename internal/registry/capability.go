package registry

import (
	"context"

	"github.com/Futs/kuroibara-sub003/internal/errs"
	"github.com/Futs/kuroibara-sub003/internal/models"
)

// checkedSource wraps a Source so that calling a capability the descriptor
// does not declare fails with Unsupported instead of reaching the adapter.
type checkedSource struct {
	inner Source
	caps  models.CapabilitySet
}

func checked(inner Source) Source {
	return &checkedSource{inner: inner, caps: inner.Descriptor().Capabilities}
}

func (c *checkedSource) require(cap models.Capability) error {
	if !c.caps.Has(cap) {
		return errs.New(errs.Unsupported, string(cap)+" not supported by "+c.inner.Descriptor().ID)
	}
	return nil
}

func (c *checkedSource) Search(ctx context.Context, query string, page, limit int) ([]NativeEntry, error) {
	if err := c.require(models.CapSearch); err != nil {
		return nil, err
	}
	return c.inner.Search(ctx, query, page, limit)
}

func (c *checkedSource) Details(ctx context.Context, nativeID string) (*NativeDetails, error) {
	if err := c.require(models.CapDetails); err != nil {
		return nil, err
	}
	return c.inner.Details(ctx, nativeID)
}

func (c *checkedSource) Chapters(ctx context.Context, nativeID string) ([]models.ChapterRef, error) {
	if err := c.require(models.CapChapters); err != nil {
		return nil, err
	}
	return c.inner.Chapters(ctx, nativeID)
}

func (c *checkedSource) Pages(ctx context.Context, chapterNativeID string) ([]string, error) {
	if err := c.require(models.CapPages); err != nil {
		return nil, err
	}
	return c.inner.Pages(ctx, chapterNativeID)
}

func (c *checkedSource) Probe(ctx context.Context) (bool, float64, error) {
	return c.inner.Probe(ctx)
}

func (c *checkedSource) Descriptor() models.SourceDescriptor {
	return c.inner.Descriptor()
}

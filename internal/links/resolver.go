// Package links resolves where an activated carousel slide leads.
package links

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-webinar/carousel/internal/models"
	"github.com/aura-webinar/carousel/pkg/docstore"
)

// ErrUnresolvable is returned when a slide's link target cannot be resolved.
var ErrUnresolvable = errors.New("slide link unresolvable")

// DefaultContentCollection holds the content items slides link to.
const DefaultContentCollection = "books"

// Resolver maps slide links to destinations: external URLs are validated, content links
// are looked up in the content collection.
type Resolver struct {
	store      docstore.Getter
	collection string
	logger     *zap.Logger
}

// NewResolver creates a resolver reading content items from collection.
func NewResolver(store docstore.Getter, collection string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collection == "" {
		collection = DefaultContentCollection
	}
	return &Resolver{store: store, collection: collection, logger: logger}
}

// Resolve returns the destination of slide. A miss is logged and reported as
// ErrUnresolvable; callers treat it as a no-op.
func (r *Resolver) Resolve(ctx context.Context, slide models.Slide) (models.Destination, error) {
	target := strings.TrimSpace(slide.LinkTarget)
	switch slide.LinkKind {
	case models.LinkURL:
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			r.logger.Warn("slide url unusable", zap.String("slide_id", slide.ID), zap.String("target", target))
			return models.Destination{}, fmt.Errorf("%w: bad url %q", ErrUnresolvable, target)
		}
		return models.Destination{Kind: models.LinkURL, URL: u.String()}, nil
	case models.LinkContent:
		if target == "" {
			r.logger.Warn("slide content link empty", zap.String("slide_id", slide.ID))
			return models.Destination{}, fmt.Errorf("%w: empty content id", ErrUnresolvable)
		}
		doc, err := r.store.GetOne(ctx, r.collection, target)
		if errors.Is(err, docstore.ErrNotFound) {
			r.logger.Warn("slide content not found", zap.String("slide_id", slide.ID), zap.String("content_id", target))
			return models.Destination{}, fmt.Errorf("%w: content %s not found", ErrUnresolvable, target)
		}
		if err != nil {
			return models.Destination{}, fmt.Errorf("get content %s: %w", target, err)
		}
		return models.Destination{Kind: models.LinkContent, ContentID: doc.ID, Content: doc.Data}, nil
	default:
		r.logger.Debug("slide has no link", zap.String("slide_id", slide.ID))
		return models.Destination{}, fmt.Errorf("%w: no link", ErrUnresolvable)
	}
}

package playback

import (
	"context"
	"errors"
	"net/url"

	"github.com/petervdpas/sanctuary/internal/storage"
)

// BlobResolver resolves ids against the local blob store. The reference is
// the viewer path the object is served from.
type BlobResolver struct {
	Blobs *storage.BlobStore
}

func (b BlobResolver) Resolve(ctx context.Context, id string) (string, error) {
	if _, err := b.Blobs.Await(ctx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return "/media/" + url.PathEscape(id), nil
}

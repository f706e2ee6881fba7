package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
)

// DefaultMaxImageBytes caps any single download.
const DefaultMaxImageBytes = 10 << 20

// ImageFetcher downloads the raw bytes of a remote image.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
}

// Router sends Azure blob URLs to the blob fetcher and everything else
// over plain HTTP.
type Router struct {
	direct ImageFetcher
	azure  ImageFetcher
}

// NewRouter creates a Router. azure may be nil when blob storage is not
// configured, in which case blob URLs are fetched anonymously over HTTP.
func NewRouter(direct, azure ImageFetcher) *Router {
	return &Router{direct: direct, azure: azure}
}

func (r *Router) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	if r.azure != nil && IsAzureBlobURL(imageURL) {
		return r.azure.FetchImage(ctx, imageURL)
	}
	return r.direct.FetchImage(ctx, imageURL)
}

// IsAzureBlobURL reports whether imageURL points at Azure blob storage.
func IsAzureBlobURL(imageURL string) bool {
	u, err := url.Parse(imageURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Hostname(), ".blob.core.windows.net")
}

// readLimited reads at most limit bytes and fails if r holds more.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to read image body", err)
	}
	if int64(len(data)) > limit {
		return nil, apperrors.NewValidationError(fmt.Sprintf("image exceeds %d bytes", limit), nil)
	}
	if len(data) == 0 {
		return nil, apperrors.NewInvalidImageError("downloaded image is empty", nil)
	}
	return data, nil
}

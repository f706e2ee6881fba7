package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/logger"

	"github.com/sirupsen/logrus"
)

const maxAttempts = 3

// HTTPImageFetcher downloads images with bounded retries.
type HTTPImageFetcher struct {
	client     *http.Client
	maxBytes   int64
	retryDelay time.Duration
}

// HTTPOption configures an HTTPImageFetcher.
type HTTPOption func(*HTTPImageFetcher)

// WithRetryDelay sets the base backoff; attempt n waits n times this long.
func WithRetryDelay(d time.Duration) HTTPOption {
	return func(h *HTTPImageFetcher) { h.retryDelay = d }
}

// WithMaxBytes caps the download size.
func WithMaxBytes(n int64) HTTPOption {
	return func(h *HTTPImageFetcher) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// NewHTTPImageFetcher creates an HTTP image fetcher
func NewHTTPImageFetcher(opts ...HTTPOption) *HTTPImageFetcher {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	h := &HTTPImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		maxBytes:   DefaultMaxImageBytes,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FetchImage downloads imageURL. Network errors and 5xx responses are
// retried; 4xx responses are not.
func (h *HTTPImageFetcher) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid URL", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Service-Tag-Extractor/1.0")

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.NewTimeoutError("image download canceled", ctx.Err())
			case <-time.After(time.Duration(attempt) * h.retryDelay):
			}
		}

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.NewTimeoutError("image download canceled", ctx.Err())
			}
			lastErr = err
			logger.WithFields(logrus.Fields{"url": imageURL, "attempt": attempt + 1}).
				WithError(err).Warn("Image download failed, retrying")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			defer resp.Body.Close()
			return readLimited(resp.Body, h.maxBytes)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			resp.Body.Close()
			return nil, apperrors.NewNetworkError(
				fmt.Sprintf("failed to fetch image: client error: status code %d", resp.StatusCode), nil)
		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: status code %d", resp.StatusCode)
		}
	}

	return nil, apperrors.NewNetworkError(
		fmt.Sprintf("failed to fetch image after %d attempts", maxAttempts), lastErr)
}

package ocr

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
	"github.com/anime-shed/service-tag-extractor/internal/logger"

	"github.com/sirupsen/logrus"
)

// Handle runs one OCR pass per Recognize call:
// acquire, configure language, recognize, release.
// Sessions are never pooled; release always happens after recognize.
type Handle struct {
	engine   Engine
	language string
	live     atomic.Int64
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithLanguage fixes the recognition language.
func WithLanguage(language string) HandleOption {
	return func(h *Handle) {
		if language != "" {
			h.language = language
		}
	}
}

// NewHandle creates a Handle over engine.
func NewHandle(engine Engine, opts ...HandleOption) *Handle {
	h := &Handle{
		engine:   engine,
		language: DefaultLanguage,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Language returns the configured recognition language.
func (h *Handle) Language() string {
	return h.language
}

// Live returns the number of sessions currently held by in-flight calls.
func (h *Handle) Live() int64 {
	return h.live.Load()
}

// Recognize runs a full session lifecycle over img. Failures to create or
// configure the session are EngineInitFailed; failures during recognition
// are RecognitionFailed. The session is released exactly once on every path.
func (h *Handle) Recognize(ctx context.Context, img *imagesource.Image) (result RecognitionResult, err error) {
	if img == nil {
		return result, apperrors.NewInvalidImageError("no image to recognize", nil)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	start := time.Now()
	log := logger.WithFields(logrus.Fields{
		"engine":   h.engine.Name(),
		"image_id": img.ID.String(),
		"language": h.language,
	})

	session, err := h.engine.Acquire(ctx)
	if err != nil {
		return result, apperrors.NewEngineInitError("failed to acquire OCR session", err)
	}
	if session == nil {
		return result, apperrors.NewEngineInitError("engine returned no session", nil)
	}
	h.live.Add(1)
	log.Debug("OCR session acquired")

	configured := false
	defer func() {
		if r := recover(); r != nil {
			result = RecognitionResult{}
			if configured {
				err = apperrors.NewRecognitionError("OCR engine panicked", fmt.Errorf("%v", r))
			} else {
				err = apperrors.NewEngineInitError("OCR engine panicked during configuration", fmt.Errorf("%v", r))
			}
		}
		if releaseErr := session.Release(); releaseErr != nil {
			log.WithError(releaseErr).Warn("Failed to release OCR session")
		}
		h.live.Add(-1)
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("OCR session released")
	}()

	if err := session.Configure(ctx, h.language); err != nil {
		return result, apperrors.NewEngineInitError(fmt.Sprintf("failed to configure OCR language %q", h.language), err)
	}
	configured = true
	if err := ctx.Err(); err != nil {
		return result, err
	}

	result, err = session.Recognize(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return RecognitionResult{}, ctx.Err()
		}
		return RecognitionResult{}, apperrors.NewRecognitionError("OCR recognition failed", err)
	}
	if result.Engine == "" {
		result.Engine = h.engine.Name()
	}
	return result, nil
}

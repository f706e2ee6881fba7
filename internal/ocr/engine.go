// Package ocr drives OCR engines through a strict per-call session lifecycle.
package ocr

import (
	"context"

	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
)

// DefaultLanguage is used when no language is configured.
const DefaultLanguage = "eng"

// Engine creates OCR sessions. Every Acquire returns a fresh session that
// the caller owns until Release.
type Engine interface {
	Name() string
	Acquire(ctx context.Context) (Session, error)
}

// Session is one live engine instance.
type Session interface {
	Configure(ctx context.Context, language string) error
	Recognize(ctx context.Context, img *imagesource.Image) (RecognitionResult, error)
	Release() error
}

// Token is one recognized word with the engine's confidence (0-100).
type Token struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// RecognitionResult is the raw output of one OCR pass.
type RecognitionResult struct {
	Text   string  `json:"text"`
	Tokens []Token `json:"tokens,omitempty"`
	Engine string  `json:"engine"`
}

// MeanConfidence averages token confidences; zero when the engine reported none.
func (r RecognitionResult) MeanConfidence() float64 {
	if len(r.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range r.Tokens {
		sum += t.Confidence
	}
	return sum / float64(len(r.Tokens))
}

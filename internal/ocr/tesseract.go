package ocr

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
)

// TesseractEngine creates one gosseract client per session.
type TesseractEngine struct {
	pageSegMode gosseract.PageSegMode
	languages   func() ([]string, error)
}

// NewTesseractEngine creates a Tesseract-backed engine. pageSegMode follows
// Tesseract's PSM numbering (3 is fully automatic).
func NewTesseractEngine(pageSegMode int) *TesseractEngine {
	return &TesseractEngine{
		pageSegMode: gosseract.PageSegMode(pageSegMode),
		languages:   gosseract.GetAvailableLanguages,
	}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Acquire constructs a new Tesseract API instance.
func (e *TesseractEngine) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tesseractSession{
		client:      gosseract.NewClient(),
		pageSegMode: e.pageSegMode,
		languages:   e.languages,
	}, nil
}

type tesseractSession struct {
	client      *gosseract.Client
	pageSegMode gosseract.PageSegMode
	languages   func() ([]string, error)
	released    bool
}

// Configure selects the language after checking its traineddata is installed,
// so a missing model surfaces here rather than mid-recognition.
func (s *tesseractSession) Configure(ctx context.Context, language string) error {
	available, err := s.languages()
	if err != nil {
		return fmt.Errorf("list tessdata languages: %w", err)
	}
	if !slices.Contains(available, language) {
		return fmt.Errorf("language %q is not installed (available: %s)", language, strings.Join(available, ","))
	}
	if err := s.client.SetLanguage(language); err != nil {
		return err
	}
	return s.client.SetPageSegMode(s.pageSegMode)
}

// Recognize blocks until Tesseract finishes; the C API cannot be interrupted,
// so ctx is only checked before work starts.
func (s *tesseractSession) Recognize(ctx context.Context, img *imagesource.Image) (RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return RecognitionResult{}, err
	}
	if err := s.client.SetImageFromBytes(img.Bytes()); err != nil {
		return RecognitionResult{}, fmt.Errorf("set image: %w", err)
	}

	text, err := s.client.Text()
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("extract text: %w", err)
	}

	result := RecognitionResult{
		Text:   normalizeText(text),
		Engine: "tesseract",
	}

	// Word confidences are optional.
	if boxes, err := s.client.GetBoundingBoxes(gosseract.RIL_WORD); err == nil {
		result.Tokens = make([]Token, 0, len(boxes))
		for _, b := range boxes {
			if w := strings.TrimSpace(b.Word); w != "" {
				result.Tokens = append(result.Tokens, Token{Text: w, Confidence: b.Confidence})
			}
		}
	}
	return result, nil
}

func (s *tesseractSession) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	return s.client.Close()
}

func normalizeText(in string) string {
	in = strings.ReplaceAll(in, "\r\n", "\n")
	in = strings.ReplaceAll(in, "\r", "\n")
	return strings.TrimSpace(in)
}

package ocr

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
)

const transcribePrompt = `Transcribe every piece of text visible in this image exactly as printed,
line by line, in reading order. Do not translate, summarize or correct anything.
Return only the transcribed text.`

// VisionConfig configures an OpenAI-compatible vision model backend.
type VisionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// VisionEngine transcribes images with a chat-completions vision model.
type VisionEngine struct {
	cfg VisionConfig
}

// NewVisionEngine creates a vision engine. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewVisionEngine(cfg VisionConfig) (*VisionEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vision engine requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	return &VisionEngine{cfg: cfg}, nil
}

func (e *VisionEngine) Name() string { return "vision" }

// Acquire creates a client bound to this session only.
func (e *VisionEngine) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultConfig(e.cfg.APIKey)
	if e.cfg.BaseURL != "" {
		clientCfg.BaseURL = e.cfg.BaseURL
	}
	return &visionSession{
		client: openai.NewClientWithConfig(clientCfg),
		model:  e.cfg.Model,
	}, nil
}

type visionSession struct {
	client   *openai.Client
	model    string
	language string
}

func (s *visionSession) Configure(ctx context.Context, language string) error {
	if s.client == nil {
		return errors.New("session already released")
	}
	s.language = language
	return nil
}

func (s *visionSession) Recognize(ctx context.Context, img *imagesource.Image) (RecognitionResult, error) {
	if s.client == nil {
		return RecognitionResult{}, errors.New("session already released")
	}

	prompt := transcribePrompt
	if s.language != "" {
		prompt += fmt.Sprintf("\nThe text is expected to be in language %q (ISO 639-2).", s.language)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    img.DataURL(),
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return RecognitionResult{}, errors.New("vision completion returned no choices")
	}

	return RecognitionResult{
		Text:   normalizeText(resp.Choices[0].Message.Content),
		Engine: "vision",
	}, nil
}

func (s *visionSession) Release() error {
	s.client = nil
	return nil
}

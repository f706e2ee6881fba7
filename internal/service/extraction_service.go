package service

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/extraction"
	"github.com/anime-shed/service-tag-extractor/internal/logger"
	"github.com/anime-shed/service-tag-extractor/internal/observer"
	"github.com/anime-shed/service-tag-extractor/internal/storage"
	"github.com/anime-shed/service-tag-extractor/internal/tag"
	"github.com/anime-shed/service-tag-extractor/pkg/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExtractionService manages interactive sessions and one-shot extractions.
type ExtractionService interface {
	// Session lifecycle
	CreateSession() *extraction.Controller
	Session(id string) (*extraction.Controller, error)
	CloseSession(id string) error
	SessionCount() int

	// One-shot extraction
	ExtractUpload(ctx context.Context, data []byte, expected string) (*ExtractResult, error)
	ExtractFromURL(ctx context.Context, imageURL string, expected string) (*ExtractResult, error)

	// Start evicts idle sessions until ctx ends or Close is called.
	Start(ctx context.Context)
	Close()
}

// ExtractResult is the settled state of a one-shot extraction.
type ExtractResult struct {
	State extraction.State
	// Match is set when an expected tag was given and extraction succeeded.
	Match *tag.Match
}

// Dependencies wires the service.
type Dependencies struct {
	Recognizer extraction.Recognizer
	Extractor  *tag.Extractor
	Runner     extraction.Runner
	Events     observer.Subject
	Fetcher    storage.ImageFetcher
	Validator  *validation.URLValidator
	OCRTimeout time.Duration
	SessionTTL time.Duration
}

type extractionService struct {
	deps Dependencies

	mu       sync.Mutex
	sessions map[string]*extraction.Controller

	stop     chan struct{}
	stopOnce sync.Once
}

// NewExtractionService creates a new extraction service
func NewExtractionService(deps Dependencies) ExtractionService {
	if deps.Extractor == nil {
		deps.Extractor = tag.NewExtractor()
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewURLValidator()
	}
	if deps.OCRTimeout <= 0 {
		deps.OCRTimeout = extraction.DefaultTimeout
	}
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = 15 * time.Minute
	}
	return &extractionService{
		deps:     deps,
		sessions: make(map[string]*extraction.Controller),
		stop:     make(chan struct{}),
	}
}

func (s *extractionService) newController(id string) *extraction.Controller {
	return extraction.NewController(
		s.deps.Recognizer,
		s.deps.Extractor,
		extraction.WithID(id),
		extraction.WithRunner(s.deps.Runner),
		extraction.WithPublisher(s.deps.Events),
		extraction.WithTimeout(s.deps.OCRTimeout),
	)
}

func (s *extractionService) CreateSession() *extraction.Controller {
	ctrl := s.newController(uuid.NewString())

	s.mu.Lock()
	s.sessions[ctrl.ID()] = ctrl
	count := len(s.sessions)
	s.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"session_id": ctrl.ID(),
		"sessions":   count,
	}).Info("Session created")
	return ctrl
}

func (s *extractionService) Session(id string) (*extraction.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctrl, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("session not found", nil)
	}
	return ctrl, nil
}

func (s *extractionService) CloseSession(id string) error {
	s.mu.Lock()
	ctrl, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return apperrors.NewNotFoundError("session not found", nil)
	}
	ctrl.Close()
	logger.WithField("session_id", id).Info("Session closed")
	return nil
}

func (s *extractionService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ExtractUpload runs a single extraction on a private controller and waits
// for it to settle.
func (s *extractionService) ExtractUpload(ctx context.Context, data []byte, expected string) (*ExtractResult, error) {
	ctrl := s.newController("oneshot-" + uuid.NewString())
	defer ctrl.Close()

	ctrl.SupplyUploadedImage(data)

	state, err := ctrl.Await(ctx)
	if err != nil {
		return nil, apperrors.NewTimeoutError("extraction did not finish before the request deadline", err)
	}

	result := &ExtractResult{State: state}
	if succeeded, ok := state.(extraction.Succeeded); ok && expected != "" {
		m := tag.Compare(expected, succeeded.Tag)
		result.Match = &m
	}
	return result, nil
}

// ExtractFromURL downloads imageURL and extracts from it.
func (s *extractionService) ExtractFromURL(ctx context.Context, imageURL string, expected string) (*ExtractResult, error) {
	if err := s.deps.Validator.ValidateImageURL(imageURL); err != nil {
		return nil, err
	}
	if s.deps.Fetcher == nil {
		return nil, apperrors.NewInternalError("no image fetcher configured", nil)
	}

	data, err := s.deps.Fetcher.FetchImage(ctx, imageURL)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.ErrorTypeInternal {
			err = apperrors.NewNetworkError("failed to fetch image", err)
		}
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"url":        imageURL,
		"size_bytes": len(data),
	}).Debug("Fetched remote image")

	return s.ExtractUpload(ctx, data, expected)
}

func (s *extractionService) Start(ctx context.Context) {
	interval := s.deps.SessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				if n := s.evictIdle(now); n > 0 {
					logger.WithField("evicted", n).Info("Evicted idle sessions")
				}
			}
		}
	}()
}

// evictIdle closes sessions idle for longer than the TTL. Sessions with an
// attempt in flight are kept.
func (s *extractionService) evictIdle(now time.Time) int {
	s.mu.Lock()
	var idle []*extraction.Controller
	for id, ctrl := range s.sessions {
		if now.Sub(ctrl.LastActive()) < s.deps.SessionTTL || ctrl.State().Phase().InFlight() {
			continue
		}
		delete(s.sessions, id)
		idle = append(idle, ctrl)
	}
	s.mu.Unlock()

	for _, ctrl := range idle {
		ctrl.Close()
	}
	return len(idle)
}

// Close stops eviction and closes every session.
func (s *extractionService) Close() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*extraction.Controller)
	s.mu.Unlock()

	for _, ctrl := range sessions {
		ctrl.Close()
	}
}

package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anime-shed/service-tag-extractor/internal/config"
	"github.com/anime-shed/service-tag-extractor/internal/factory"
	"github.com/anime-shed/service-tag-extractor/internal/logger"
	"github.com/anime-shed/service-tag-extractor/internal/observer"
	"github.com/anime-shed/service-tag-extractor/internal/ocr"
	"github.com/anime-shed/service-tag-extractor/internal/service"
	"github.com/anime-shed/service-tag-extractor/internal/tag"
	"github.com/anime-shed/service-tag-extractor/internal/transport"
	"github.com/anime-shed/service-tag-extractor/internal/worker"
	"github.com/anime-shed/service-tag-extractor/pkg/validation"

	"github.com/sirupsen/logrus"
)

// Container holds all application dependencies
type Container struct {
	config  *config.Config
	engine  ocr.Engine
	handle  *ocr.Handle
	pool    *worker.Pool
	events  *observer.EventPublisher
	metrics *observer.MetricsObserver
	service service.ExtractionService
	handler http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	components := factory.NewComponentFactory(cfg)

	engine, err := components.EngineFactory.CreateEngine(cfg.OCREngine)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR engine: %w", err)
	}
	fetcher, err := components.StorageFactory.CreateStorage(factory.RoutedStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to create image fetcher: %w", err)
	}

	handle := ocr.NewHandle(engine, ocr.WithLanguage(cfg.OCRLanguage))

	pool := worker.NewPool(cfg.OCRWorkers)
	pool.Start()

	metrics := observer.NewMetricsObserver()
	events := observer.NewEventPublisher()
	events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	events.Subscribe(metrics)

	svc := service.NewExtractionService(service.Dependencies{
		Recognizer: handle,
		Extractor:  tag.NewExtractor(),
		Runner:     pool.Dispatch,
		Events:     events,
		Fetcher:    fetcher,
		Validator:  validation.NewURLValidator(),
		OCRTimeout: cfg.OCRTimeout,
		SessionTTL: cfg.SessionTTL,
	})

	logger.WithFields(logrus.Fields{
		"engine":   engine.Name(),
		"language": handle.Language(),
		"workers":  pool.Workers(),
		"azure":    cfg.AzureEnabled(),
	}).Info("Extraction pipeline configured")

	return &Container{
		config:  cfg,
		engine:  engine,
		handle:  handle,
		pool:    pool,
		events:  events,
		metrics: metrics,
		service: svc,
		handler: transport.NewHandler(svc, metrics, cfg),
	}, nil
}

// Start begins background work such as idle session eviction
func (c *Container) Start(ctx context.Context) {
	c.service.Start(ctx)
}

// Close stops sessions and the worker pool
func (c *Container) Close() {
	c.service.Close()
	c.pool.Close()
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Service returns the extraction service
func (c *Container) Service() service.ExtractionService {
	return c.service
}

package factory

import (
	"fmt"

	"github.com/anime-shed/service-tag-extractor/internal/config"
	"github.com/anime-shed/service-tag-extractor/internal/ocr"
	"github.com/anime-shed/service-tag-extractor/internal/storage"
)

// StorageType represents different types of storage backends
type StorageType string

const (
	// HTTPStorage for HTTP-based image fetching
	HTTPStorage StorageType = "http"
	// AzureStorage for Azure blob storage
	AzureStorage StorageType = "azure"
	// RoutedStorage picks Azure for blob URLs and HTTP otherwise
	RoutedStorage StorageType = "routed"
)

// EngineFactory creates OCR engines
type EngineFactory interface {
	CreateEngine(name string) (ocr.Engine, error)
}

// StorageFactory creates image fetchers
type StorageFactory interface {
	CreateStorage(storageType StorageType) (storage.ImageFetcher, error)
}

// engineFactory implements EngineFactory
type engineFactory struct {
	cfg *config.Config
}

// NewEngineFactory creates a new engine factory
func NewEngineFactory(cfg *config.Config) EngineFactory {
	return &engineFactory{cfg: cfg}
}

// CreateEngine creates an engine by its OCR_ENGINE name
func (f *engineFactory) CreateEngine(name string) (ocr.Engine, error) {
	switch name {
	case config.EngineTesseract:
		return ocr.NewTesseractEngine(f.cfg.OCRPageSegMode), nil
	case config.EngineVision:
		engine, err := ocr.NewVisionEngine(ocr.VisionConfig{
			APIKey:  f.cfg.VisionAPIKey,
			BaseURL: f.cfg.VisionBaseURL,
			Model:   f.cfg.VisionModel,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unsupported OCR engine: %s", name)
	}
}

// storageFactory implements StorageFactory
type storageFactory struct {
	cfg *config.Config
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg *config.Config) StorageFactory {
	return &storageFactory{cfg: cfg}
}

// CreateStorage creates a storage implementation based on the specified type
func (f *storageFactory) CreateStorage(storageType StorageType) (storage.ImageFetcher, error) {
	switch storageType {
	case HTTPStorage:
		return storage.NewHTTPImageFetcher(storage.WithMaxBytes(f.cfg.MaxRequestBodySize)), nil
	case AzureStorage:
		if !f.cfg.AzureEnabled() {
			return nil, fmt.Errorf("azure storage requires AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY")
		}
		fetcher, err := storage.NewAzureBlobFetcher(f.cfg.AzureStorageAccount, f.cfg.AzureStorageKey, f.cfg.MaxRequestBodySize)
		if err != nil {
			return nil, err
		}
		return fetcher, nil
	case RoutedStorage:
		direct, err := f.CreateStorage(HTTPStorage)
		if err != nil {
			return nil, err
		}
		if !f.cfg.AzureEnabled() {
			return storage.NewRouter(direct, nil), nil
		}
		azure, err := f.CreateStorage(AzureStorage)
		if err != nil {
			return nil, err
		}
		return storage.NewRouter(direct, azure), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	EngineFactory  EngineFactory
	StorageFactory StorageFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		EngineFactory:  NewEngineFactory(cfg),
		StorageFactory: NewStorageFactory(cfg),
	}
}

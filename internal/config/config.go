package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine names accepted by OCR_ENGINE.
const (
	EngineTesseract = "tesseract"
	EngineVision    = "vision"
)

type Config struct {
	Host               string
	Port               string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64

	// OCR
	OCREngine      string
	OCRLanguage    string
	OCRPageSegMode int
	OCRTimeout     time.Duration
	OCRWorkers     int

	// Sessions idle longer than this are evicted
	SessionTTL time.Duration

	// OpenAI-compatible vision backend
	VisionAPIKey  string
	VisionBaseURL string
	VisionModel   string

	// Azure Blob image source, optional
	AzureStorageAccount string
	AzureStorageKey     string
}

func (c *Config) ServerAddress() string {
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// AzureEnabled reports whether blob credentials were supplied.
func (c *Config) AzureEnabled() bool {
	return c.AzureStorageAccount != "" && c.AzureStorageKey != ""
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:                getEnvOrDefault("HOST", "0.0.0.0"),
		Port:                getEnvOrDefault("PORT", "8080"),
		RequestTimeout:      parseDurationOrDefault("REQUEST_TIMEOUT", 60*time.Second),
		MaxRequestBodySize:  parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 10*1024*1024), // 10MB
		OCREngine:           strings.ToLower(getEnvOrDefault("OCR_ENGINE", EngineTesseract)),
		OCRLanguage:         getEnvOrDefault("OCR_LANGUAGE", "eng"),
		OCRPageSegMode:      int(parseIntOrDefault("OCR_PAGE_SEG_MODE", 3)),
		OCRTimeout:          parseDurationOrDefault("OCR_TIMEOUT", 45*time.Second),
		OCRWorkers:          int(parseIntOrDefault("OCR_WORKERS", 0)),
		SessionTTL:          parseDurationOrDefault("SESSION_TTL", 15*time.Minute),
		VisionAPIKey:        os.Getenv("VISION_API_KEY"),
		VisionBaseURL:       os.Getenv("VISION_BASE_URL"),
		VisionModel:         getEnvOrDefault("VISION_MODEL", "gpt-4o-mini"),
		AzureStorageAccount: os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureStorageKey:     os.Getenv("AZURE_STORAGE_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.OCRTimeout <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, ocr=%s, session_ttl=%s)",
			c.RequestTimeout, c.OCRTimeout, c.SessionTTL)
	}
	if strings.TrimSpace(c.OCRLanguage) == "" {
		return fmt.Errorf("OCR_LANGUAGE must not be empty")
	}
	if c.OCRPageSegMode < 0 || c.OCRPageSegMode > 13 {
		return fmt.Errorf("OCR_PAGE_SEG_MODE must be between 0 and 13 (got %d)", c.OCRPageSegMode)
	}
	if c.OCRWorkers < 0 {
		return fmt.Errorf("OCR_WORKERS must be >= 0 (got %d)", c.OCRWorkers)
	}
	switch c.OCREngine {
	case EngineTesseract:
	case EngineVision:
		if c.VisionAPIKey == "" {
			return fmt.Errorf("VISION_API_KEY is required when OCR_ENGINE=%s", EngineVision)
		}
	default:
		return fmt.Errorf("unsupported OCR_ENGINE: %q", c.OCREngine)
	}
	if (c.AzureStorageAccount == "") != (c.AzureStorageKey == "") {
		return fmt.Errorf("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY must be set together")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ExtractionEvent describes one step of an extraction attempt.
type ExtractionEvent struct {
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	SessionID      string                 `json:"session_id,omitempty"`
	ImageID        string                 `json:"image_id,omitempty"`
	Origin         string                 `json:"origin,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`
	Tag            string                 `json:"tag,omitempty"`
	ErrorKind      string                 `json:"error_kind,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of extraction event
type EventType string

const (
	// ImageSupplied when an upload or camera frame becomes the current image
	ImageSupplied EventType = "image_supplied"
	// ImageRejected when the image source could not produce an image
	ImageRejected EventType = "image_rejected"
	// ExtractionStarted when OCR begins for the current image
	ExtractionStarted EventType = "extraction_started"
	// ExtractionSucceeded when a service tag was found
	ExtractionSucceeded EventType = "extraction_succeeded"
	// ExtractionFailed when the attempt ended in a failure kind
	ExtractionFailed EventType = "extraction_failed"
	// ResultDiscarded when a superseded attempt finished
	ResultDiscarded EventType = "result_discarded"
	// SessionReset when the user cleared the current image
	SessionReset EventType = "session_reset"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event ExtractionEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event ExtractionEvent)
}

// LoggingObserver logs extraction events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles extraction events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event ExtractionEvent) {
	fields := logrus.Fields{
		"event_type":      event.EventType,
		"session_id":      event.SessionID,
		"image_id":        event.ImageID,
		"processing_time": event.ProcessingTime,
	}
	if event.Origin != "" {
		fields["origin"] = event.Origin
	}
	if event.Tag != "" {
		fields["tag"] = event.Tag
	}
	if event.ErrorKind != "" {
		fields["error_kind"] = event.ErrorKind
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case ExtractionStarted:
		entry.Info("Service tag extraction started")
	case ExtractionSucceeded:
		entry.Info("Service tag extracted")
	case ExtractionFailed:
		entry.Warn("Service tag extraction failed")
	case ImageRejected:
		entry.Warn("Image source rejected input")
	case ImageSupplied, ResultDiscarded, SessionReset:
		entry.Debug("Extraction session event")
	default:
		entry.Info("Extraction event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver collects counters from extraction events
type MetricsObserver struct {
	mu                  sync.RWMutex
	started             int64
	succeeded           int64
	failed              int64
	discarded           int64
	resets              int64
	failuresByKind      map[string]int64
	totalProcessingTime time.Duration
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{failuresByKind: make(map[string]int64)}
}

// OnEvent handles extraction events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event ExtractionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.EventType {
	case ExtractionStarted:
		o.started++
	case ExtractionSucceeded:
		o.succeeded++
		o.totalProcessingTime += event.ProcessingTime
	case ExtractionFailed, ImageRejected:
		o.failed++
		o.failuresByKind[event.ErrorKind]++
	case ResultDiscarded:
		o.discarded++
	case SessionReset:
		o.resets++
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgProcessingTime := time.Duration(0)
	if o.succeeded > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(o.succeeded)
	}

	byKind := make(map[string]int64, len(o.failuresByKind))
	for k, v := range o.failuresByKind {
		byKind[k] = v
	}

	return map[string]interface{}{
		"extractions_started":    o.started,
		"extractions_succeeded":  o.succeeded,
		"extractions_failed":     o.failed,
		"results_discarded":      o.discarded,
		"session_resets":         o.resets,
		"failures_by_kind":       byKind,
		"avg_processing_time_ms": avgProcessingTime.Milliseconds(),
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers event to every observer synchronously, in
// subscription order. A panicking observer does not affect the others.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event ExtractionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		notify(ctx, obs, event)
	}
}

func notify(ctx context.Context, obs Observer, event ExtractionEvent) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}

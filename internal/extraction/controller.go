// Package extraction orchestrates one image at a time through OCR and tag
// extraction and publishes the resulting state to the presentation layer.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
	"github.com/anime-shed/service-tag-extractor/internal/logger"
	"github.com/anime-shed/service-tag-extractor/internal/observer"
	"github.com/anime-shed/service-tag-extractor/internal/ocr"
	"github.com/anime-shed/service-tag-extractor/internal/tag"

	"github.com/sirupsen/logrus"
)

// Recognizer runs OCR over one image. *ocr.Handle implements it.
type Recognizer interface {
	Recognize(ctx context.Context, img *imagesource.Image) (ocr.RecognitionResult, error)
}

// Runner executes an attempt asynchronously and must not block the caller.
// ctx is the attempt's context; it ends when the attempt is superseded or
// times out.
type Runner func(ctx context.Context, job func())

func goRunner(_ context.Context, job func()) { go job() }

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 45 * time.Second

// Controller owns the ExtractionState of one session.
//
// Every supplied image starts an attempt immediately. Only the attempt for
// the current image may change the state; results of superseded or reset
// attempts are dropped when they arrive.
type Controller struct {
	id         string
	recognizer Recognizer
	extractor  *tag.Extractor
	run        Runner
	events     observer.Subject
	timeout    time.Duration

	base       context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	state       State
	current     *imagesource.Image
	attempt     uint64
	cancel      context.CancelFunc
	changed     chan struct{}
	subscribers map[int]chan State
	nextSub     int
	closed      bool
	lastActive  time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithID names the session in events and logs.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithRunner replaces the goroutine-per-attempt runner.
func WithRunner(run Runner) Option {
	return func(c *Controller) {
		if run != nil {
			c.run = run
		}
	}
}

// WithPublisher sends lifecycle events to observers.
func WithPublisher(events observer.Subject) Option {
	return func(c *Controller) { c.events = events }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewController creates a controller in the Idle state.
func NewController(recognizer Recognizer, extractor *tag.Extractor, opts ...Option) *Controller {
	if extractor == nil {
		extractor = tag.NewExtractor()
	}
	c := &Controller{
		recognizer:  recognizer,
		extractor:   extractor,
		run:         goRunner,
		timeout:     DefaultTimeout,
		state:       Idle{},
		changed:     make(chan struct{}),
		subscribers: make(map[int]chan State),
		lastActive:  time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.base, c.baseCancel = context.WithCancel(context.Background())
	return c
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActive is the time of the last inbound operation.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// SupplyUploadedImage starts extraction for an uploaded file.
func (c *Controller) SupplyUploadedImage(data []byte) {
	img, err := imagesource.FromUpload(data)
	if err != nil {
		c.reject(err, imagesource.OriginUpload)
		return
	}
	c.Supply(img)
}

// SupplyCameraFrame starts extraction for a captured frame. An empty frame
// fails with NoFrameAvailable without touching the OCR engine.
func (c *Controller) SupplyCameraFrame(frame []byte) {
	img, err := imagesource.FromCameraFrame(frame)
	if err != nil {
		c.reject(err, imagesource.OriginCamera)
		return
	}
	c.Supply(img)
}

// SupplyCameraDataURL starts extraction for a frame captured in a browser
// and sent as a data URL.
func (c *Controller) SupplyCameraDataURL(dataURL string) {
	img, err := imagesource.FromCameraDataURL(dataURL)
	if err != nil {
		c.reject(err, imagesource.OriginCamera)
		return
	}
	c.Supply(img)
}

// Supply makes img the current image and begins processing it. Any attempt
// still running for a previous image is canceled and its result discarded.
func (c *Controller) Supply(img *imagesource.Image) {
	if img == nil {
		c.reject(apperrors.NewInvalidImageError("no image supplied", nil), "")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.supersedeLocked()
	c.current = img
	attempt := c.attempt
	c.lastActive = time.Now()
	c.setLocked(HasImage{Image: img})

	ctx, cancel := context.WithTimeout(c.base, c.timeout)
	c.cancel = cancel
	c.setLocked(Processing{Image: img, Since: time.Now()})
	c.mu.Unlock()

	c.publish(observer.ExtractionEvent{
		EventType: observer.ImageSupplied,
		ImageID:   img.ID.String(),
		Origin:    string(img.Origin),
		Metadata:  map[string]interface{}{"mime_type": img.MIMEType, "size_bytes": img.Size()},
	})
	c.publish(observer.ExtractionEvent{
		EventType: observer.ExtractionStarted,
		ImageID:   img.ID.String(),
		Origin:    string(img.Origin),
	})

	c.run(ctx, func() { c.process(ctx, cancel, img, attempt) })
}

// Reset returns to Idle, discarding the image and any in-flight result.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.supersedeLocked()
	c.current = nil
	c.lastActive = time.Now()
	c.setLocked(Idle{})
	c.mu.Unlock()

	c.publish(observer.ExtractionEvent{EventType: observer.SessionReset})
}

// Await blocks until no attempt is pending and returns the resulting state.
// It returns the state at the time ctx ends together with ctx's error.
func (c *Controller) Await(ctx context.Context) (State, error) {
	for {
		c.mu.Lock()
		s, changed := c.state, c.changed
		c.mu.Unlock()

		if !s.Phase().InFlight() {
			return s, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Subscribe returns a channel of state transitions. When the reader falls
// behind, older undelivered states are replaced by the newest one.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan State, 8)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close cancels any running attempt and closes subscriber channels.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.current = nil
	c.attempt++
	c.baseCancel()
	c.cancel = nil
	if c.state.Phase().InFlight() {
		c.setLocked(Idle{})
	}
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}

func (c *Controller) reject(err error, origin imagesource.Origin) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.supersedeLocked()
	c.current = nil
	c.lastActive = time.Now()
	failed := failedFrom(nil, err)
	c.setLocked(failed)
	c.mu.Unlock()

	c.publish(observer.ExtractionEvent{
		EventType:    observer.ImageRejected,
		Origin:       string(origin),
		ErrorKind:    string(failed.Kind),
		ErrorMessage: err.Error(),
	})
}

// process runs on the Runner. It never touches state directly.
func (c *Controller) process(ctx context.Context, cancel context.CancelFunc, img *imagesource.Image, attempt uint64) {
	defer cancel()
	start := time.Now()

	next := c.recognize(ctx, img)
	c.complete(img, attempt, next, time.Since(start))
}

func (c *Controller) recognize(ctx context.Context, img *imagesource.Image) (next State) {
	defer func() {
		if r := recover(); r != nil {
			next = failedFrom(img, apperrors.NewRecognitionError("extraction panicked", fmt.Errorf("%v", r)))
		}
	}()

	result, err := c.recognizer.Recognize(ctx, img)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.NewTimeoutError("OCR did not finish in time", err)
		}
		return failedFrom(img, err)
	}

	found, err := c.extractor.Extract(result.Text)
	if err != nil {
		return failedFrom(img, apperrors.NewNoTagFoundError("no service tag in recognized text", err))
	}

	return Succeeded{
		Image:      img,
		Tag:        found,
		Candidates: c.extractor.Candidates(result.Text),
		Text:       result.Text,
		Confidence: result.MeanConfidence(),
	}
}

func (c *Controller) complete(img *imagesource.Image, attempt uint64, next State, elapsed time.Duration) {
	c.mu.Lock()
	stale := c.closed || c.attempt != attempt
	if !stale {
		if s, ok := next.(Succeeded); ok {
			s.Duration = elapsed
			next = s
		}
		c.cancel = nil
		c.setLocked(next)
	}
	c.mu.Unlock()

	event := observer.ExtractionEvent{
		ImageID:        img.ID.String(),
		Origin:         string(img.Origin),
		ProcessingTime: elapsed,
	}
	if stale {
		event.EventType = observer.ResultDiscarded
		event.Metadata = map[string]interface{}{"discarded_phase": string(next.Phase())}
		c.publish(event)
		return
	}

	switch s := next.(type) {
	case Succeeded:
		event.EventType = observer.ExtractionSucceeded
		event.Tag = s.Tag.String()
		event.Metadata = map[string]interface{}{"candidates": len(s.Candidates), "confidence": s.Confidence}
	case Failed:
		event.EventType = observer.ExtractionFailed
		event.ErrorKind = string(s.Kind)
		if s.Err != nil {
			event.ErrorMessage = s.Err.Error()
		}
	}
	c.publish(event)
}

// supersedeLocked cancels the running attempt, if any, and advances the
// attempt counter so complete drops its result. The same image supplied twice
// still gets a new attempt.
func (c *Controller) supersedeLocked() {
	c.attempt++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) setLocked(s State) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})

	for _, ch := range c.subscribers {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"session_id": c.id,
		"phase":      s.Phase(),
	}).Debug("Extraction state changed")
}

func (c *Controller) publish(event observer.ExtractionEvent) {
	if c.events == nil {
		return
	}
	event.SessionID = c.id
	c.events.NotifyObservers(context.Background(), event)
}

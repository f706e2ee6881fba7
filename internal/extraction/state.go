package extraction

import (
	"time"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
	"github.com/anime-shed/service-tag-extractor/internal/tag"
)

// Phase names the variant of a State.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseHasImage   Phase = "has_image"
	PhaseProcessing Phase = "processing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// State is the extraction state of one session. Exactly one of Idle,
// HasImage, Processing, Succeeded or Failed.
type State interface {
	Phase() Phase
	state()
}

// Idle means no image is held.
type Idle struct{}

// HasImage holds a supplied image that has not started processing yet.
type HasImage struct {
	Image *imagesource.Image
}

// Processing means OCR is running for Image.
type Processing struct {
	Image *imagesource.Image
	Since time.Time
}

// Succeeded carries the extracted tag. Candidates lists every tag-shaped
// token in reading order; Tag is always the first.
type Succeeded struct {
	Image      *imagesource.Image
	Tag        tag.ServiceTag
	Candidates []tag.ServiceTag
	Text       string
	Confidence float64
	Duration   time.Duration
}

// Failed carries the failure kind and a message suitable for display.
// Image is nil when the image source itself failed.
type Failed struct {
	Image   *imagesource.Image
	Kind    apperrors.ErrorType
	Message string
	Err     error
}

func (Idle) Phase() Phase       { return PhaseIdle }
func (HasImage) Phase() Phase   { return PhaseHasImage }
func (Processing) Phase() Phase { return PhaseProcessing }
func (Succeeded) Phase() Phase  { return PhaseSucceeded }
func (Failed) Phase() Phase     { return PhaseFailed }

func (Idle) state()       {}
func (HasImage) state()   {}
func (Processing) state() {}
func (Succeeded) state()  {}
func (Failed) state()     {}

// InFlight reports whether an attempt is still pending.
func (p Phase) InFlight() bool {
	return p == PhaseHasImage || p == PhaseProcessing
}

// Terminal reports whether an attempt has finished.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

func failedFrom(img *imagesource.Image, err error) Failed {
	kind := apperrors.KindOf(err)
	return Failed{
		Image:   img,
		Kind:    kind,
		Message: apperrors.UserMessage(kind),
		Err:     err,
	}
}

// ImageOf returns the image a state refers to, if any.
func ImageOf(s State) *imagesource.Image {
	switch v := s.(type) {
	case HasImage:
		return v.Image
	case Processing:
		return v.Image
	case Succeeded:
		return v.Image
	case Failed:
		return v.Image
	default:
		return nil
	}
}

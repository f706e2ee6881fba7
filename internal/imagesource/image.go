// Package imagesource turns uploaded files and camera frames into Image values.
package imagesource

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
)

// Origin records where an image came from.
type Origin string

const (
	OriginUpload Origin = "upload"
	OriginCamera Origin = "camera"
)

// Image is an encoded image payload. It is never mutated after creation;
// ID identifies one supplied image for the lifetime of an extraction attempt.
type Image struct {
	ID       uuid.UUID
	MIMEType string
	Origin   Origin
	data     []byte
}

// Bytes returns a copy of the encoded payload.
func (i *Image) Bytes() []byte {
	out := make([]byte, len(i.data))
	copy(out, i.data)
	return out
}

// Size is the payload length in bytes.
func (i *Image) Size() int {
	return len(i.data)
}

// DataURL renders the image as a data URL.
func (i *Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(i.data)
}

// FromUpload wraps the bytes of a user-selected file.
func FromUpload(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, apperrors.NewInvalidImageError("uploaded file is empty", nil)
	}
	return newImage(data, OriginUpload)
}

// FromCameraFrame wraps a captured frame. A nil or empty frame means the
// camera has not produced anything yet and is reported as NoFrameAvailable.
func FromCameraFrame(frame []byte) (*Image, error) {
	if len(frame) == 0 {
		return nil, apperrors.NewNoFrameAvailableError("camera returned no frame", nil)
	}
	return newImage(frame, OriginCamera)
}

// FromCameraDataURL decodes a browser webcam screenshot and wraps it as a frame.
func FromCameraDataURL(dataURL string) (*Image, error) {
	frame, err := DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	return FromCameraFrame(frame)
}

func newImage(data []byte, origin Origin) (*Image, error) {
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, apperrors.NewInvalidImageError(fmt.Sprintf("unsupported content type %s", mime.String()), nil)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	return &Image{
		ID:       uuid.New(),
		MIMEType: mime.String(),
		Origin:   origin,
		data:     payload,
	}, nil
}

// DecodeDataURL extracts the payload of a base64 data URL such as
// "data:image/jpeg;base64,/9j/4AAQ...". An empty string yields an empty
// payload so callers can report a missing frame.
func DecodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return nil, apperrors.NewInvalidImageError("frame is not a data URL", nil)
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, apperrors.NewInvalidImageError("frame data URL is not base64 encoded", nil)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperrors.NewInvalidImageError("frame data URL has invalid base64 payload", err)
	}
	return data, nil
}

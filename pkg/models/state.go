package models

import (
	"github.com/anime-shed/service-tag-extractor/internal/extraction"
)

// StateResponse is the JSON form of an extraction state
type StateResponse struct {
	State string `json:"state"`

	ImageID   string `json:"image_id,omitempty"`
	Origin    string `json:"origin,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
	SizeBytes int    `json:"size_bytes,omitempty"`

	Tag               string   `json:"tag,omitempty"`
	Candidates        []string `json:"candidates,omitempty"`
	Text              string   `json:"text,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	ProcessingTimeSec float64  `json:"processing_time_sec,omitempty"`

	Error *StateError `json:"error,omitempty"`
}

// StateError describes a failed attempt
type StateError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewStateResponse converts a controller state for the wire
func NewStateResponse(s extraction.State) StateResponse {
	resp := StateResponse{State: string(s.Phase())}

	if img := extraction.ImageOf(s); img != nil {
		resp.ImageID = img.ID.String()
		resp.Origin = string(img.Origin)
		resp.MIMEType = img.MIMEType
		resp.SizeBytes = img.Size()
	}

	switch v := s.(type) {
	case extraction.Succeeded:
		resp.Tag = v.Tag.String()
		resp.Candidates = make([]string, 0, len(v.Candidates))
		for _, c := range v.Candidates {
			resp.Candidates = append(resp.Candidates, c.String())
		}
		resp.Text = v.Text
		resp.Confidence = v.Confidence
		resp.ProcessingTimeSec = v.Duration.Seconds()
	case extraction.Failed:
		resp.Error = &StateError{Kind: string(v.Kind), Message: v.Message}
	}
	return resp
}

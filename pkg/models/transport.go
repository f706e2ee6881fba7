package models

import "github.com/anime-shed/service-tag-extractor/internal/tag"

// CaptureRequest carries a webcam frame encoded as a data URL
type CaptureRequest struct {
	Frame string `json:"frame"`
}

// ExtractURLRequest asks for extraction from a remote image
type ExtractURLRequest struct {
	URL         string `json:"url" binding:"required,url"`
	ExpectedTag string `json:"expected_tag,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionResponse describes a session and its current state
type SessionResponse struct {
	ID    string        `json:"id"`
	State StateResponse `json:"state"`
}

// ExtractResponse is the result of a one-shot extraction
type ExtractResponse struct {
	StateResponse
	Match *tag.Match `json:"match,omitempty"`
}

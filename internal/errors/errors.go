package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNetwork      ErrorType = "network"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeInvalidImage ErrorType = "invalid_image"

	// Extraction pipeline failures
	ErrorTypeNoFrameAvailable  ErrorType = "no_frame_available"
	ErrorTypeEngineInitFailed  ErrorType = "engine_init_failed"
	ErrorTypeRecognitionFailed ErrorType = "recognition_failed"
	ErrorTypeNoTagFound        ErrorType = "no_tag_found"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, status int, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: status,
		Cause:      cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, message, cause)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return newError(ErrorTypeNetwork, http.StatusBadGateway, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, message, cause)
}

// NewInvalidImageError reports image bytes that cannot be used as an image
func NewInvalidImageError(message string, cause error) *AppError {
	return newError(ErrorTypeInvalidImage, http.StatusBadRequest, message, cause)
}

// NewNoFrameAvailableError reports a camera capture that produced no frame
func NewNoFrameAvailableError(message string, cause error) *AppError {
	return newError(ErrorTypeNoFrameAvailable, http.StatusUnprocessableEntity, message, cause)
}

// NewEngineInitError reports an OCR session that could not be created or configured
func NewEngineInitError(message string, cause error) *AppError {
	return newError(ErrorTypeEngineInitFailed, http.StatusServiceUnavailable, message, cause)
}

// NewRecognitionError reports an OCR engine failure while processing an image
func NewRecognitionError(message string, cause error) *AppError {
	return newError(ErrorTypeRecognitionFailed, http.StatusUnprocessableEntity, message, cause)
}

// NewNoTagFoundError reports recognized text without a service tag
func NewNoTagFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNoTagFound, http.StatusUnprocessableEntity, message, cause)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// KindOf classifies any error into an ErrorType.
func KindOf(err error) ErrorType {
	var appErr *AppError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &appErr):
		return appErr.Type
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		return ErrorTypeInternal
	}
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// UserMessage returns the message shown to a person for a failure kind.
// NoTagFound asks for a clearer picture; infrastructure kinds say the
// same image may be retried.
func UserMessage(kind ErrorType) string {
	switch kind {
	case ErrorTypeNoTagFound:
		return "No valid service tag found in the image. Try a clearer photo of the label."
	case ErrorTypeNoFrameAvailable:
		return "The camera did not provide a frame. Check camera access and capture again."
	case ErrorTypeEngineInitFailed:
		return "The text recognition engine could not start. Please retry."
	case ErrorTypeRecognitionFailed:
		return "The image could not be processed. Try a different image."
	case ErrorTypeInvalidImage:
		return "The file is not a readable image."
	case ErrorTypeTimeout:
		return "Processing took too long. Please retry."
	case ErrorTypeNetwork:
		return "The image could not be downloaded."
	case ErrorTypeValidation:
		return "The request is invalid."
	case ErrorTypeNotFound:
		return "Not found."
	default:
		return "Unexpected error while processing the image."
	}
}

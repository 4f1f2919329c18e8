// Package domain provides canonical error types for the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypePayloadTooLarge indicates an upload exceeded the configured limit.
	ErrorTypePayloadTooLarge ErrorType = "payload_too_large"

	// ErrorTypeRejected indicates submitted content was refused by a verdict service.
	ErrorTypeRejected ErrorType = "content_rejected"

	// ErrorTypeUnverified indicates content could not be verified.
	ErrorTypeUnverified ErrorType = "unverified"

	// ErrorTypeUpstream indicates an external service failed.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeContextLength indicates the prompt budget was exceeded.
	ErrorTypeContextLength ErrorType = "context_length"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeMissingFile           ErrorCode = "missing_file"
	ErrorCodeInvalidCode           ErrorCode = "invalid_code"
	ErrorCodeUploadTooLarge        ErrorCode = "upload_too_large"
)

// APIError represents a canonical API error that frontdoors render to clients.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeContextLength, ErrorTypeRejected, ErrorTypeUnverified:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrUpstream creates an upstream failure error.
func ErrUpstream(message string) *APIError {
	return NewAPIError(ErrorTypeUpstream, message)
}

// ErrContextLength creates a prompt budget exceeded error.
func ErrContextLength(message string) *APIError {
	return NewAPIError(ErrorTypeContextLength, message).
		WithCode(ErrorCodeContextLengthExceeded)
}

// ToAPIError converts any error to an APIError.
// A *Failure keeps its classification, anything else becomes a server error.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var failure *Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case FailureTransport:
			return ErrUpstream(failure.Error())
		case FailureDecode:
			return ErrUpstream(failure.Error())
		case FailureVerdictRejected:
			return NewAPIError(ErrorTypeRejected, failure.Error())
		case FailureTimeout:
			return NewAPIError(ErrorTypeUnverified, failure.Error())
		}
	}

	return ErrServer(err.Error())
}

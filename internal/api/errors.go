// Package api carries the HTTP error model and the Accept-negotiated
// stream rendering shared by every route handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/corekeeper/ckcore/internal/cli"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/parse"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/subscription"
	"github.com/corekeeper/ckcore/internal/work"
)

// ErrorCode is the machine-readable error class of a response.
type ErrorCode string

const (
	ErrorCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrorCodeParseError       ErrorCode = "PARSE_ERROR"
	ErrorCodeModelError       ErrorCode = "MODEL_ERROR"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeConflict         ErrorCode = "CONFLICT"
	ErrorCodeRequirements     ErrorCode = "MISSING_REQUIREMENTS"
	ErrorCodeTooManyRequests  ErrorCode = "TOO_MANY_REQUESTS"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrorCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// APIError is an error with an HTTP rendering.
type APIError struct {
	Code    ErrorCode `json:"error"`
	Message string    `json:"message"`
	// Details carries structured context: the conflicting change id,
	// the missing-requirement list, the parse offset.
	Details any `json:"details,omitempty"`

	Status int `json:"-"`
}

func (e *APIError) Error() string { return e.Message }

// NewAPIError builds an error with an explicit status and code.
func NewAPIError(code ErrorCode, status int, format string, args ...any) *APIError {
	return &APIError{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// FromError maps a domain error onto the HTTP surface. Unknown errors
// become 500 INTERNAL_ERROR.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var parseErr *parse.Error
	if errors.As(err, &parseErr) {
		return &APIError{
			Code:    ErrorCodeParseError,
			Status:  http.StatusBadRequest,
			Message: parseErr.Error(),
			Details: map[string]any{"offset": parseErr.Offset},
		}
	}
	var modelErr *model.ValidationError
	if errors.As(err, &modelErr) {
		return &APIError{Code: ErrorCodeModelError, Status: http.StatusBadRequest, Message: modelErr.Error()}
	}
	var usageErr *cli.UsageError
	if errors.As(err, &usageErr) {
		return &APIError{Code: ErrorCodeInvalidRequest, Status: http.StatusBadRequest, Message: usageErr.Error()}
	}
	var reqErr *cli.RequirementError
	if errors.As(err, &reqErr) {
		return &APIError{
			Code:    ErrorCodeRequirements,
			Status:  http.StatusFailedDependency,
			Message: reqErr.Error(),
			Details: map[string]any{"missing": reqErr.Missing},
		}
	}
	if conflict, ok := storage.IsConflict(err); ok {
		return &APIError{
			Code:    ErrorCodeConflict,
			Status:  http.StatusConflict,
			Message: err.Error(),
			Details: map[string]any{"other_change_id": conflict.OtherChangeID},
		}
	}
	switch {
	case errors.Is(err, storage.ErrInvalidBatchUpdate):
		return &APIError{Code: ErrorCodeConflict, Status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return &APIError{Code: ErrorCodeNotFound, Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, work.ErrWorkerAlreadyAttached),
		errors.Is(err, subscription.ErrChannelInUse):
		return &APIError{Code: ErrorCodeTooManyRequests, Status: http.StatusTooManyRequests, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Code: ErrorCodeTimeout, Status: http.StatusGatewayTimeout, Message: "deadline exceeded"}
	}
	return &APIError{Code: ErrorCodeInternalError, Status: http.StatusInternalServerError, Message: err.Error()}
}

// WriteError renders err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := FromError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

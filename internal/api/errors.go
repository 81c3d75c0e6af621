package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/thatjpcsguy/minipaas/internal/autoscale"
	"github.com/thatjpcsguy/minipaas/internal/build"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/registry"
)

// Code is a stable, machine readable error class
type Code string

const (
	CodeNotFound          Code = "not-found"
	CodeBuildFailed       Code = "build-failed"
	CodeResourceExhausted Code = "resource-exhausted"
	CodeInvalidVersion    Code = "invalid-version"
	CodeInvalidRequest    Code = "invalid-request"
	CodeConflict          Code = "conflict"
	CodeInternal          Code = "internal"
)

// APIError is an error response
type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Phase is the failed build phase or deploy state, if any
	Phase string `json:"phase,omitempty"`
}

// APIResponse is embedded in every response
type APIResponse struct {
	Error *APIError `json:"error,omitempty"`
}

// Error is returned by Client when the daemon reports a failure
type Error struct {
	Status int
	APIError
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of an *Error in err's chain, or CodeInternal
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}

// classify maps a domain error to its code and HTTP status
func classify(err error) (Code, int) {
	switch {
	case registry.IsNotFound(err):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, deploy.ErrRollbackTargetNotFound):
		return CodeInvalidVersion, http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrPortExhausted):
		return CodeResourceExhausted, http.StatusServiceUnavailable
	case errors.Is(err, build.ErrFetch), errors.Is(err, build.ErrBuild), errors.Is(err, build.ErrPublish):
		return CodeBuildFailed, http.StatusUnprocessableEntity
	case errors.Is(err, deploy.ErrInvalidName), errors.Is(err, deploy.ErrInvalidRequest), errors.Is(err, autoscale.ErrInvalidThreshold):
		return CodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, autoscale.ErrMonitorRunning), errors.Is(err, autoscale.ErrMonitorNotRunning):
		return CodeConflict, http.StatusConflict
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

func newAPIError(err error) (*APIError, int) {
	code, status := classify(err)
	apiErr := &APIError{Code: code, Message: err.Error()}
	if phase, ok := build.FailedPhase(err); ok {
		apiErr.Phase = string(phase)
	} else if state, ok := deploy.FailedState(err); ok {
		apiErr.Phase = string(state)
	}
	return apiErr, status
}

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/boxpilot/internal/catalog"
	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/fetch"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/render"
	"github.com/John-Robertt/boxpilot/internal/rules"
	"github.com/John-Robertt/boxpilot/internal/runtime"
	"github.com/John-Robertt/boxpilot/internal/settings"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

func notFound(code, message string) error {
	return apiError(http.StatusNotFound, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
	}, nil)
}

func unauthorized(message string) error {
	return apiError(http.StatusUnauthorized, model.AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Stage:   "auth",
	}, nil)
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var ae *APIError
	if errors.As(err, &ae) {
		WriteError(w, ae.Status, ae.AppError)
		return
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		WriteError(w, fe.Status, fe.AppError)
		return
	}

	// User content errors => 422.
	var se *settings.ParseError
	if errors.As(err, &se) {
		WriteError(w, http.StatusUnprocessableEntity, se.AppError)
		return
	}

	var rpe *rules.ParseError
	if errors.As(err, &rpe) {
		WriteError(w, http.StatusUnprocessableEntity, rpe.AppError)
		return
	}

	var cae *catalog.CatalogError
	if errors.As(err, &cae) {
		status := http.StatusUnprocessableEntity
		switch cae.AppError.Code {
		case "UNKNOWN_SERVER", "UNKNOWN_CHAIN":
			status = http.StatusNotFound
		case "CATALOG_READ_ERROR":
			status = http.StatusBadGateway
		}
		WriteError(w, status, cae.AppError)
		return
	}

	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		WriteError(w, http.StatusUnprocessableEntity, ce.AppError)
		return
	}

	var re *render.RenderError
	if errors.As(err, &re) {
		WriteError(w, http.StatusUnprocessableEntity, re.AppError)
		return
	}

	var ste *runtime.StartError
	if errors.As(err, &ste) {
		status := http.StatusBadGateway
		if ste.AppError.Code == "RUNTIME_CHECK_FAILED" {
			status = http.StatusUnprocessableEntity
		}
		WriteError(w, status, ste.AppError)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		WriteError(w, http.StatusGatewayTimeout, model.AppError{
			Code:    "TIMEOUT",
			Message: "请求处理超时",
			Stage:   "internal",
		})
		return
	}

	// Fallback: internal bug.
	WriteError(w, http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	})
}

func appErr(code, message string) model.AppError {
	return model.AppError{Code: code, Message: message, Stage: "validate_request"}
}

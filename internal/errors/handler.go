package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Common error types following RFC 7807
const (
	TypeValidation  = "/errors/validation"
	TypeNotFound    = "/errors/not-found"
	TypeInternal    = "/errors/internal"
	TypeServiceDown = "/errors/service-unavailable"
	TypeTimeout     = "/errors/timeout"
	TypeRateLimited = "/errors/rate-limited"
)

// Domain-specific error types
const (
	TypeContainerFormat  = "/errors/container/format"
	TypeContainerCorrupt = "/errors/container/corrupt"
	TypeUnknownRecord    = "/errors/decode/unknown-record-kind"
	TypeUnknownScale     = "/errors/units/unknown-scale"
	TypeSequenceGap      = "/errors/sequence/gap"
	TypeNoSuchTest       = "/errors/source/no-such-test"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())
	problem := h.ErrorToProblem(err, r)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.String("error_type", string(TypeOf(err))),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", problem.Status),
	)

	problem.WithExtension("trace_id", reqID)
	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	var pd *ProblemDetails
	if errors.As(err, &pd) {
		if pd.Instance == "" {
			pd.Instance = r.URL.Path
		}
		return pd
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	var (
		formatErr  *ContainerFormatError
		corruptErr *ContainerCorruptError
		kindErr    *UnknownRecordKindError
		versionErr *UnsupportedVersionError
		scaleErr   *UnknownScaleError
		gapErr     *SequenceGapError
		unavailErr *SourceUnavailableError
		noTestErr  *NoSuchTestError
		cancelErr  *CancelledError
	)

	switch {
	case errors.As(err, &formatErr):
		return NewProblemDetails(http.StatusUnprocessableEntity, TypeContainerFormat,
			"Unrecognised Container", err.Error(), r.URL.Path).
			WithExtension("offset", formatErr.Offset)

	case errors.As(err, &corruptErr):
		return NewProblemDetails(http.StatusUnprocessableEntity, TypeContainerCorrupt,
			"Corrupt Container", err.Error(), r.URL.Path).
			WithExtension("payload", corruptErr.Payload)

	case errors.As(err, &kindErr):
		return NewProblemDetails(http.StatusUnprocessableEntity, TypeUnknownRecord,
			"Unknown Record Kind", err.Error(), r.URL.Path).
			WithExtension("channel_id", kindErr.ChannelID).
			WithExtension("offset", kindErr.Offset).
			WithExtension("record", kindErr.Record)

	case errors.As(err, &versionErr):
		return NewProblemDetails(http.StatusUnprocessableEntity, TypeUnknownRecord,
			"Unsupported Format Version", err.Error(), r.URL.Path).
			WithExtension("version", versionErr.Version)

	case errors.As(err, &scaleErr):
		return NewProblemDetails(http.StatusUnprocessableEntity, TypeUnknownScale,
			"Unknown Scale", err.Error(), r.URL.Path).
			WithExtension("model", scaleErr.Model)

	case errors.As(err, &gapErr):
		return NewProblemDetails(http.StatusUnprocessableEntity, TypeSequenceGap,
			"Sequence Gap", err.Error(), r.URL.Path).
			WithExtension("channel_id", gapErr.ChannelID).
			WithExtension("previous", gapErr.Previous).
			WithExtension("next", gapErr.Next)

	case errors.As(err, &noTestErr):
		return NewProblemDetails(http.StatusNotFound, TypeNoSuchTest,
			"No Such Test", err.Error(), r.URL.Path)

	case errors.As(err, &unavailErr):
		return NewProblemDetails(http.StatusServiceUnavailable, TypeServiceDown,
			"Source Unavailable", err.Error(), r.URL.Path).
			WithExtension("retryable", true)

	case errors.As(err, &cancelErr):
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout,
			"Request Timeout", err.Error(), r.URL.Path)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request",
			r.URL.Path,
		)
	}
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NotFound(r.URL.Path, "The requested resource was not found").
		WithExtension("trace_id", middleware.GetReqID(r.Context()))
	render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeInternal,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	render.Render(w, r, problem)
}

// Recoverer returns a middleware that turns panics into RFC 7807 responses
func (h *ErrorHandler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.HandlePanic(w, r, rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

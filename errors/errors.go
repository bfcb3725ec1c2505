package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error represents an application error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error
func New(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Domain sentinels. Wrap them with fmt.Errorf("...: %w", Err...) and classify
// with Kind / HTTPStatus.
var (
	ErrInvalidSignature   = stderrors.New("invalid webhook signature")
	ErrUnknownProvider    = stderrors.New("unknown payment provider")
	ErrDuplicateEvent     = stderrors.New("duplicate webhook event")
	ErrUnknownEventType   = stderrors.New("unhandled webhook event type")
	ErrMalformedPayload   = stderrors.New("malformed webhook payload")
	ErrEventNotFound      = stderrors.New("webhook event not found")
	ErrEventNotReplayable = stderrors.New("webhook event is not parked")
	ErrOrderNotFound      = stderrors.New("order not found")
	ErrInvalidTransition  = stderrors.New("invalid order transition")
	ErrConcurrentUpdate   = stderrors.New("order was modified concurrently")
	ErrUnauthorized       = stderrors.New("unauthorized")
)

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks a dispatcher failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return stderrors.As(err, &p)
}

// Kind returns a stable, log-friendly classification of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case stderrors.Is(err, ErrUnknownProvider):
		return "unknown_provider"
	case stderrors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case stderrors.Is(err, ErrUnknownEventType):
		return "unknown_event_type"
	case stderrors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case stderrors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case stderrors.Is(err, ErrEventNotReplayable):
		return "event_not_replayable"
	case stderrors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case stderrors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case stderrors.Is(err, ErrConcurrentUpdate):
		return "concurrent_update"
	case stderrors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case stderrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case stderrors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to a response code.
func HTTPStatus(err error) int {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	switch Kind(err) {
	case "":
		return http.StatusOK
	case "invalid_signature", "malformed_payload":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusUnauthorized
	case "unknown_provider", "event_not_found", "order_not_found":
		return http.StatusNotFound
	case "invalid_transition", "event_not_replayable", "concurrent_update":
		return http.StatusConflict
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body with the mapped status code.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	msg := http.StatusText(status)
	var appErr *Error
	if stderrors.As(err, &appErr) {
		msg = appErr.Message
	} else if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	c.JSON(status, gin.H{"error": msg, "kind": Kind(err)})
}

// Common error types
var (
	ErrBadRequest         = New(http.StatusBadRequest, "Bad request", nil)
	ErrNotFound           = New(http.StatusNotFound, "Not found", nil)
	ErrInternalServer     = New(http.StatusInternalServerError, "Internal server error", nil)
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "Service unavailable", nil)
)

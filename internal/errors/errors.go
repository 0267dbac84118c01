package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Kind is a stable error category exposed on the wire as the "error" field.
type Kind string

const (
	KindInvalidURL         Kind = "InvalidURL"
	KindBlocked            Kind = "Blocked"
	KindInvalidFormat      Kind = "InvalidFormat"
	KindInvalidSelector    Kind = "InvalidSelector"
	KindInvalidRequest     Kind = "InvalidRequest"
	KindInvalidSchema      Kind = "InvalidSchema"
	KindUnauthorized       Kind = "Unauthorized"
	KindRequestTooLarge    Kind = "RequestTooLarge"
	KindUnsupportedContent Kind = "UnsupportedContent"
	KindFetchFailed        Kind = "FetchFailed"
	KindFetchTimeout       Kind = "FetchTimeout"
	KindMisconfigured      Kind = "Misconfigured"
	KindInternal           Kind = "Internal"
)

// kindCodes maps each kind to its HTTP status.
var kindCodes = map[Kind]int{
	KindInvalidURL:         http.StatusBadRequest,
	KindBlocked:            http.StatusForbidden,
	KindInvalidFormat:      http.StatusBadRequest,
	KindInvalidSelector:    http.StatusBadRequest,
	KindInvalidRequest:     http.StatusBadRequest,
	KindInvalidSchema:      http.StatusBadRequest,
	KindUnauthorized:       http.StatusUnauthorized,
	KindRequestTooLarge:    http.StatusRequestEntityTooLarge,
	KindUnsupportedContent: http.StatusUnsupportedMediaType,
	KindFetchFailed:        http.StatusBadGateway,
	KindFetchTimeout:       http.StatusGatewayTimeout,
	KindMisconfigured:      http.StatusServiceUnavailable,
	KindInternal:           http.StatusInternalServerError,
}

// ConvertError is an error that can be returned to clients as
// {"error": kind, "message": ..., "status": ...}.
type ConvertError struct {
	Kind       Kind   `json:"error"`
	Message    string `json:"message,omitempty"`
	Status     int    `json:"status,omitempty"` // upstream HTTP status, when known
	underlying error
}

func (e *ConvertError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ConvertError) Unwrap() error {
	return e.underlying
}

// HTTPStatus returns the HTTP status code for the error kind.
func (e *ConvertError) HTTPStatus() int {
	if code, ok := kindCodes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// WriteJSON writes the error as JSON to the response.
func (e *ConvertError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	json.NewEncoder(w).Encode(e)
}

// New creates a new ConvertError.
func New(kind Kind, message string) *ConvertError {
	return &ConvertError{Kind: kind, Message: message}
}

// Newf creates a new ConvertError with a formatted message.
func Newf(kind Kind, format string, args ...any) *ConvertError {
	return &ConvertError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a kind and message.
func Wrap(err error, kind Kind, message string) *ConvertError {
	return &ConvertError{Kind: kind, Message: message, underlying: err}
}

// WithStatus returns a copy carrying the upstream HTTP status.
func (e *ConvertError) WithStatus(status int) *ConvertError {
	return &ConvertError{Kind: e.Kind, Message: e.Message, Status: status, underlying: e.underlying}
}

// AsConvertError extracts a *ConvertError from an error chain.
func AsConvertError(err error) (*ConvertError, bool) {
	var ce *ConvertError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

var timeoutRe = regexp.MustCompile(`(?i)timed? ?out|timeout|deadline exceeded`)

// FromFetch maps a transport-level error into the taxonomy. Context
// deadline expiry and messages that look like timeouts become
// FetchTimeout; everything else is FetchFailed.
func FromFetch(err error) *ConvertError {
	if ce, ok := AsConvertError(err); ok {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || timeoutRe.MatchString(err.Error()) {
		return Wrap(err, KindFetchTimeout, "fetch timed out")
	}
	return Wrap(err, KindFetchFailed, "fetch failed")
}

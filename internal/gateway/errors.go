package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the gateway's stable error codes. The set is closed; every
// failure a caller can observe maps to exactly one code.
type Code string

// Error codes and their fixed status classes.
const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"     // 400
	CodeUnauthorized       Code = "UNAUTHORIZED"        // 401
	CodeBlocked            Code = "SSRF_BLOCKED"        // 400
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"      // 429
	CodeSelectorNotFound   Code = "SELECTOR_NOT_FOUND"  // 400
	CodeTimeout            Code = "SCRAPE_TIMEOUT"      // 504
	CodeBrowserUnavailable Code = "BROWSER_UNAVAILABLE" // 503
	CodeUpstreamFailed     Code = "SCRAPE_FAILED"       // 502
	CodeKeyNameTaken       Code = "API_KEY_NAME_TAKEN"  // 409
	CodeNotFound           Code = "NOT_FOUND"           // 404
	CodeInternal           Code = "INTERNAL_ERROR"      // 500
)

var statusByCode = map[Code]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeBlocked:            http.StatusBadRequest,
	CodeQuotaExceeded:      http.StatusTooManyRequests,
	CodeSelectorNotFound:   http.StatusBadRequest,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeBrowserUnavailable: http.StatusServiceUnavailable,
	CodeUpstreamFailed:     http.StatusBadGateway,
	CodeKeyNameTaken:       http.StatusConflict,
	CodeNotFound:           http.StatusNotFound,
	CodeInternal:           http.StatusInternalServerError,
}

// HTTPStatus returns the status class fixed for the code.
func HTTPStatus(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a tagged failure from the gateway's closed taxonomy. The message
// is safe to show to callers; internal causes stay server-side.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a typed gateway error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details included in the error envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// Classify maps a driver error into the taxonomy. Typed errors pass through;
// context deadline expiry becomes a timeout; everything else is a generic
// upstream failure. Raw driver text never reaches the caller.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return E(CodeTimeout, "request timed out")
	}
	return E(CodeUpstreamFailed, "upstream fetch failed")
}

package hibiki

import (
	"errors"
	"fmt"
	"strings"
)

// RequestErrorKind describes coarse-grained request failure classification.
type RequestErrorKind string

const (
	// RequestErrorKindTemporary indicates a transport or server failure that
	// exhausted its retry attempts.
	RequestErrorKindTemporary RequestErrorKind = "temporary"
	// RequestErrorKindPermanent indicates a terminal client error response.
	RequestErrorKindPermanent RequestErrorKind = "permanent"
	// RequestErrorKindUnknown indicates unclassified failure.
	RequestErrorKindUnknown RequestErrorKind = "unknown"
)

// RequestError carries structured metadata for one failed outbound request.
type RequestError struct {
	// Method is the HTTP method of the request.
	Method string
	// Route is the unresolved route template.
	Route string
	// Kind classifies whether and how callers should retry.
	Kind RequestErrorKind
	// Status is the response status code, zero for transport failures.
	Status int
	// Code is the platform error code parsed from the response body.
	Code int
	// Message is the platform error message parsed from the response body.
	Message string
	// Attempts is how many times the request was transmitted.
	Attempts int
	// Cause is the wrapped transport error when one exists.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 8)
	if method := strings.TrimSpace(e.Method); method != "" {
		fields = append(fields, "method="+method)
	}
	if route := strings.TrimSpace(e.Route); route != "" {
		fields = append(fields, "route="+route)
	}
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if e.Status != 0 {
		fields = append(fields, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != 0 {
		fields = append(fields, fmt.Sprintf("code=%d", e.Code))
	}
	if e.Attempts > 0 {
		fields = append(fields, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	if message := strings.TrimSpace(e.Message); message != "" {
		fields = append(fields, fmt.Sprintf("message=%q", message))
	}

	if len(fields) == 0 {
		if e.Cause == nil {
			return "request error"
		}
		return fmt.Sprintf("request error: %v", e.Cause)
	}

	if e.Cause == nil {
		return "request error: " + strings.Join(fields, " ")
	}
	return "request error: " + strings.Join(fields, " ") + ": " + e.Cause.Error()
}

// Unwrap returns the wrapped root cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// AsRequestError extracts one RequestError from wrapped error chains.
func AsRequestError(err error) (*RequestError, bool) {
	if err == nil {
		return nil, false
	}

	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr, true
	}

	return nil, false
}

// ClassifyStatus maps a response status code to a request error kind.
// Throttled responses are retried and never reach callers, so 429 counts as
// temporary.
func ClassifyStatus(status int) RequestErrorKind {
	switch {
	case status == 429 || status >= 500:
		return RequestErrorKindTemporary
	case status >= 400:
		return RequestErrorKindPermanent
	default:
		return RequestErrorKindUnknown
	}
}

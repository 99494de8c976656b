// Package errclass maps errors crossing the service boundary onto a fixed
// taxonomy and shapes them into the envelope returned on every 4xx/5xx
// response. Classified envelopes are also recorded as recursive log entries
// so server-side failures show up in the same stream as application logs.
package errclass

import (
	"fmt"
	"net/http"
)

type Category string

const (
	CategoryValidation         Category = "validation"
	CategoryAuthentication     Category = "authentication"
	CategoryAuthorization      Category = "authorization"
	CategoryRateLimit          Category = "rate_limit"
	CategoryDatabase           Category = "database"
	CategoryNetwork            Category = "network"
	CategoryFileSystem         Category = "file_system"
	CategoryConfiguration      Category = "configuration"
	CategoryTimeout            Category = "timeout"
	CategoryNotFound           Category = "not_found"
	CategoryConflict           Category = "conflict"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryGeneral            Category = "general"
)

// Retryable reports whether a producer should back off and resend after
// seeing this category. Everything else must not be retried blindly.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryServiceUnavailable, CategoryNetwork:
		return true
	}
	return false
}

// HTTPStatus is the response code for a classified error.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryAuthorization:
		return http.StatusForbidden
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryServiceUnavailable:
		return http.StatusServiceUnavailable
	case CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var suggestions = map[Category][]string{
	CategoryValidation: {
		"Check the request body against the documented payload shapes",
		"Ensure required fields such as message are present and correctly typed",
	},
	CategoryAuthentication: {
		"Verify the credentials or token sent with the request",
		"Re-authenticate and retry with a fresh token",
	},
	CategoryAuthorization: {
		"Confirm the source is allowed to perform this operation",
	},
	CategoryRateLimit: {
		"Reduce the request rate for this source",
		"Retry after a short backoff; the bucket refills continuously",
	},
	CategoryDatabase: {
		"Retry once the database connection recovers",
		"Check database connectivity and credentials",
	},
	CategoryNetwork: {
		"Retry with exponential backoff",
		"Check connectivity between producer and server",
	},
	CategoryFileSystem: {
		"Check free disk space and directory permissions for the archive path",
	},
	CategoryConfiguration: {
		"Review the server configuration file and environment overrides",
	},
	CategoryTimeout: {
		"Retry with a longer deadline",
		"Reduce the payload size if the operation is data-bound",
	},
	CategoryNotFound: {
		"Verify the identifier or filename in the request path",
	},
	CategoryConflict: {
		"Wait for the in-progress operation to finish before retrying",
	},
	CategoryServiceUnavailable: {
		"Retry after a backoff; the server is temporarily overloaded or shutting down",
	},
	CategoryGeneral: {
		"Inspect the recursive log stream for the matching error id",
	},
}

// Suggestions returns the ordered remediation hints for a category.
func (c Category) Suggestions() []string {
	if s, ok := suggestions[c]; ok {
		return s
	}
	return suggestions[CategoryGeneral]
}

// Error carries an explicit category so callers deep in the service can
// decide classification at the point of failure instead of relying on
// message heuristics at the boundary.
type Error struct {
	Category Category
	Message  string
	Context  map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a categorized error with a fixed message.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Newf builds a categorized error with a formatted message.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category and message to an underlying error.
func Wrap(category Category, err error, message string) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// WithContext adds a key to the error's context, returning the same error
// for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// Package ragerrors defines the error taxonomy surfaced by the query engine.
// Stage-local recoverable failures never reach callers as errors; only
// argument violations, deadline violations, unknown conversations, and
// exhausted provider fallback do.
package ragerrors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies an error for client-side retry logic.
type Kind string

const (
	KindInvalidArgument         Kind = "invalid_argument"
	KindNotFound                Kind = "not_found"
	KindDeadlineExceeded        Kind = "deadline_exceeded"
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"
	KindInternal                Kind = "internal"
)

// Error is the structured error returned to callers.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// ProviderErrors carries the sanitized last error from each attempted
	// provider when Kind is KindAllProvidersUnavailable.
	ProviderErrors []ProviderError `json:"provider_errors,omitempty"`

	cause error
}

// ProviderError records one provider's failure during fallback.
type ProviderError struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// InvalidArgument reports a malformed request. Never retryable.
func InvalidArgument(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown conversation or task.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// DeadlineExceeded reports that the request deadline passed before a stage
// could start or finish.
func DeadlineExceeded(msg string, cause error) *Error {
	return &Error{Kind: KindDeadlineExceeded, Message: msg, Retryable: true, cause: cause}
}

// AllProvidersUnavailable reports exhausted provider fallback, carrying the
// sanitized last error from each attempted provider.
func AllProvidersUnavailable(attempts []ProviderError) *Error {
	names := make([]string, 0, len(attempts))
	for _, a := range attempts {
		names = append(names, a.Provider)
	}
	return &Error{
		Kind:           KindAllProvidersUnavailable,
		Message:        fmt.Sprintf("all providers failed: %s", strings.Join(names, ", ")),
		Retryable:      true,
		ProviderErrors: attempts,
	}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Retryable: true, cause: cause}
}

// IsKind reports whether err is a taxonomy error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	apiKeyPattern = regexp.MustCompile(`(?i)(api[-_]?key|bearer|token)[=: ]+\S+`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"]+`)
)

// Sanitize strips provider internals (endpoints, credentials, raw bodies)
// from an error message before it is surfaced to callers.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = apiKeyPattern.ReplaceAllString(msg, "$1=[redacted]")
	msg = urlPattern.ReplaceAllString(msg, "[endpoint]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

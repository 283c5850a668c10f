package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ErrorKind classifies upstream failures for the dispatcher. Auth errors
// burn the credential and may trigger fallback; transient errors are retried
// against the same credential; invalid requests surface to the caller as-is.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindTransient      ErrorKind = "transient"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindCanceled       ErrorKind = "canceled"
)

// Error is a classified upstream provider error.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// IsAuth reports whether err is a provider auth rejection.
func IsAuth(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorKindAuth
}

// IsTransient reports whether err is worth retrying against the same key.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorKindTransient
}

// IsCanceled reports whether err came from the caller going away. An
// expired attempt deadline is not cancellation; it classifies transient so
// the retry loop treats it like an upstream timeout.
func IsCanceled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorKindCanceled
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return ErrorKindTransient
	default:
		return ErrorKindInvalidRequest
	}
}

// httpError builds a classified error from a non-2xx provider response.
func httpError(provider string, status int, body []byte) *Error {
	return &Error{
		Provider:   provider,
		Kind:       classifyStatus(status),
		StatusCode: status,
		Message:    string(body),
	}
}

// transportError classifies failures of the HTTP round trip itself.
// Deadline expiry counts as transient, the same as an upstream timeout.
func transportError(ctx context.Context, provider string, err error) *Error {
	kind := ErrorKindTransient
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		kind = ErrorKindCanceled
	}
	return &Error{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
	}
}

// wrapOpenAIError converts go-openai SDK errors into the classified form.
func wrapOpenAIError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   OpenAI,
			Kind:       classifyStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Provider:   OpenAI,
			Kind:       classifyStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		}
	}
	return transportError(ctx, OpenAI, err)
}

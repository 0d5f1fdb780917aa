package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ProviderErrorKind classifies provider failures into a small set of categories
// suitable for retry and UX decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider (e.g. Bedrock).
// It is intended to cross package boundaries so runtimes can surface stable,
// structured information to callers.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	code      string
	message   string
	requestID string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
// cause may be nil but is recommended to preserve the original error chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "bedrock").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known (for example, "converse_stream").
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// RequestID returns the provider request identifier when available.
func (e *ProviderError) RequestID() string { return e.requestID }

// Retryable reports whether retrying the call may succeed without changing the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying provider error to preserve the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyProviderError wraps a collaborator error observed by a model
// adapter into a ProviderError, inferring kind, HTTP status, and
// retryability from common SDK error shapes: smithy API errors (AWS
// Bedrock), net.Error (timeouts/resets), and the HTTPStatusCode/StatusCode
// accessor methods several provider SDKs attach to their error types.
// Adapters call this once at the point they observe the error so that
// errs.ModelFailureFromError can recover the richer classification via
// AsProviderError instead of re-deriving it from a plain error string.
func ClassifyProviderError(provider, operation string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	if pe, ok := AsProviderError(err); ok {
		return pe
	}

	kind := ProviderErrorKindUnknown
	retryable := false
	status := 0
	code := ""

	if errors.Is(err, context.DeadlineExceeded) {
		kind, retryable = ProviderErrorKindUnavailable, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		kind, retryable = ProviderErrorKindUnavailable, true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		switch code {
		case "ThrottlingException", "TooManyRequestsException":
			kind, retryable = ProviderErrorKindRateLimited, true
		case "ServiceUnavailableException", "InternalServerException":
			kind, retryable = ProviderErrorKindUnavailable, true
		case "AccessDeniedException", "UnauthorizedException", "AuthenticationException":
			kind, retryable = ProviderErrorKindAuth, false
		case "ValidationException":
			kind, retryable = ProviderErrorKindInvalidRequest, false
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var httpStatusErr interface{ HTTPStatusCode() int }
	if status == 0 && errors.As(err, &httpStatusErr) {
		status = httpStatusErr.HTTPStatusCode()
	}
	var statusErr interface{ StatusCode() int }
	if status == 0 && errors.As(err, &statusErr) {
		status = statusErr.StatusCode()
	}
	if status > 0 && kind == ProviderErrorKindUnknown {
		switch {
		case status == http.StatusTooManyRequests:
			kind, retryable = ProviderErrorKindRateLimited, true
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			kind, retryable = ProviderErrorKindAuth, false
		case status >= http.StatusInternalServerError:
			kind, retryable = ProviderErrorKindUnavailable, true
		case status >= http.StatusBadRequest:
			kind, retryable = ProviderErrorKindInvalidRequest, false
		}
	}

	return NewProviderError(provider, operation, status, kind, code, err.Error(), "", retryable, err)
}

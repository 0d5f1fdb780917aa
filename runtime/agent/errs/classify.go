package errs

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/deskagent/runtime/agent/model"
)

// IsTransientModelFailure applies the transient heuristic for ModelFailure:
// network timeouts, connection resets, HTTP status >= 500, and
// provider-side rate limiting are retryable; other 4xx responses are not.
// ModelFailureFromError falls back to it for errors that no adapter
// classified into a model.ProviderError.
func IsTransientModelFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "InternalServerException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status := statusErr.HTTPStatusCode()
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	}
	return false
}

// ModelFailureFromError classifies a model collaborator error into a
// ModelFailure Record. When the adapter already classified the error into a
// model.ProviderError (the common case: every shipped adapter calls
// model.ClassifyProviderError before returning), its Retryable verdict and
// message are used directly; otherwise the transient heuristic above is
// applied to the raw error.
func ModelFailureFromError(err error) *Record {
	if pe, ok := model.AsProviderError(err); ok {
		return New(ModelFailure, pe.Error(), pe.Retryable(), err)
	}
	return New(ModelFailure, err.Error(), IsTransientModelFailure(err), err)
}

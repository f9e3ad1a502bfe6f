package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rescale/rescale-xfer/internal/cancel"
	xhttp "github.com/rescale/rescale-xfer/internal/http"
)

// ErrorCode is a stable machine-readable failure code that UIs can branch on.
type ErrorCode string

const (
	CodeNetwork       ErrorCode = "NETWORK_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeServer        ErrorCode = "SERVER_ERROR"
	CodeHTTP          ErrorCode = "HTTP_ERROR"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodePermission    ErrorCode = "PERMISSION_DENIED"
	CodeFile          ErrorCode = "FILE_ERROR"
	CodeInvalidURL    ErrorCode = "INVALID_URL"
	CodeUnexpectedEnd ErrorCode = "UNEXPECTED_END"
	CodeExecutor      ErrorCode = "EXECUTOR_ERROR"
	CodeCancelled     ErrorCode = "CANCELLED"
	CodeUnsupported   ErrorCode = "UNSUPPORTED"
	CodeUnknown       ErrorCode = "UNKNOWN"
)

// Contract errors returned by Queue operations.
var (
	ErrInvalidConcurrency = errors.New("max concurrent must be greater than zero")
	ErrQueueDisposed      = errors.New("transfer queue has been disposed")
	ErrNotFound           = errors.New("transfer not found")
	ErrNotPending         = errors.New("transfer is not pending")
	ErrNotRetryable       = errors.New("transfer is not failed or cancelled")
	ErrFinished           = errors.New("transfer already finished")
)

// Error is the error type transports return when they know how to classify
// a failure. The queue turns it into a Failure with the same fields.
type Error struct {
	Code        ErrorCode
	Message     string
	Recoverable bool
	HTTPStatus  int
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified transfer error.
func NewError(code ErrorCode, recoverable bool, err error, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverable,
		Err:         err,
	}
}

// HTTPStatusError classifies an HTTP response status. 408, 429 and 5xx are
// recoverable; other 4xx are not.
func HTTPStatusError(status int, url string) *Error {
	e := &Error{
		Code:       CodeHTTP,
		Message:    fmt.Sprintf("unexpected HTTP status %d for %s", status, url),
		HTTPStatus: status,
	}
	switch {
	case status == 404:
		e.Code = CodeNotFound
	case status == 401 || status == 403:
		e.Code = CodePermission
	case status == 408 || status == 429:
		e.Recoverable = true
	case status >= 500:
		e.Code = CodeServer
		e.Recoverable = true
	}
	return e
}

// AsFailure converts any error into a Failure. Classified errors keep their
// code; everything else goes through the HTTP error classifier, and errors it
// does not recognise are treated as recoverable.
func AsFailure(err error) Failure {
	if err == nil {
		return Failure{Message: "unknown failure", Code: CodeUnknown, Recoverable: true}
	}

	var f Failure
	if errors.As(err, &f) {
		return f
	}

	var te *Error
	if errors.As(err, &te) {
		return Failure{
			Message:     te.Message,
			Code:        te.Code,
			Err:         err,
			Recoverable: te.Recoverable,
			HTTPStatus:  te.HTTPStatus,
		}
	}

	var ce *cancel.CancellationError
	if errors.As(err, &ce) {
		return Failure{Message: ce.Error(), Code: CodeCancelled, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Failure{Message: err.Error(), Code: CodeTimeout, Err: err, Recoverable: true}
	}

	out := Failure{Message: err.Error(), Err: err}
	switch xhttp.ClassifyError(err) {
	case xhttp.ErrorTypeNetwork:
		out.Code, out.Recoverable = CodeNetwork, true
	case xhttp.ErrorTypeRetryable:
		out.Code, out.Recoverable = CodeServer, true
	case xhttp.ErrorTypeCredential:
		out.Code, out.Recoverable = CodePermission, false
	case xhttp.ErrorTypeFatal:
		out.Code, out.Recoverable = CodeHTTP, false
	default:
		out.Code, out.Recoverable = CodeUnknown, true
	}
	return out
}

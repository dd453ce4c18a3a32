package rpc

import (
	"errors"
	"fmt"

	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
)

// ErrorCode classifies a failed reply.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "bad_request"
	CodeBackendUnavailable ErrorCode = "backend_unavailable"
	CodeBackendError       ErrorCode = "backend_error"
	CodeNotFound           ErrorCode = "not_found"
	CodeUnknownType        ErrorCode = "unknown_type"
	CodeInternal           ErrorCode = "internal"
)

// Error is a failure that maps onto a wire error body.
type Error struct {
	Code    ErrorCode
	Message string
	Details interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toError classifies any handler error for the wire.
func toError(err error) *Error {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, storage.ErrInvalid):
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, storage.ErrUnavailable):
		return &Error{Code: CodeBackendUnavailable, Message: err.Error()}
	case errors.Is(err, registry.ErrUnknownSubscriber):
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	}
	return &Error{Code: CodeBackendError, Message: err.Error()}
}

// attachError classifies a failed subscribe. Anything the backend reports
// while computing membership surfaces as backend_unavailable.
func attachError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, storage.ErrInvalid) {
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	}
	return &Error{Code: CodeBackendUnavailable, Message: err.Error()}
}

func (e *Error) body() *ErrorBody {
	return &ErrorBody{Code: e.Code, Message: e.Message, Details: e.Details}
}

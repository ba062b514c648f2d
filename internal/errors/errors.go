// Package errors defines the application error taxonomy shared by the
// repositories, the workflow services and both transports.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeDuplicateActive    ErrorCode = "DUPLICATE_ACTIVE"
	ErrCodeTaskAlreadyActive  ErrorCode = "TASK_ALREADY_ACTIVE"
	ErrCodeNotPending         ErrorCode = "NOT_PENDING"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeNoEligibleApprover ErrorCode = "NO_ELIGIBLE_APPROVER"
	ErrCodeAdapter            ErrorCode = "ADAPTER_ERROR"
	ErrCodeOrderConflict      ErrorCode = "ORDER_CONFLICT"
	ErrCodeScenarioInUse      ErrorCode = "SCENARIO_IN_USE"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInternal           ErrorCode = "INTERNAL"
)

// Detail keys used across the engine so that the reconciliation tooling can
// correlate failures with instances and tasks.
const (
	DetailInstanceID = "instance_id"
	DetailTaskID     = "task_id"
	DetailNodeOrder  = "node_order"
	DetailRoleCode   = "role_code"
	DetailEntityID   = "entity_id"
)

// AppError is the error type returned by every layer of the service.
type AppError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches an identifying key/value and returns the same error.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrapping an AppError keeps its
// details.
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := &AppError{Code: code, Message: message, Err: err}
	var inner *AppError
	if stderrors.As(err, &inner) && inner.Details != nil {
		for k, v := range inner.Details {
			appErr.WithDetail(k, v)
		}
	}
	return appErr
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id).WithDetail("resource", resource)
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *AppError {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message).WithDetail("field", field)
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// DetailsOf returns the details of the outermost AppError, or nil.
func DetailsOf(err error) map[string]any {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeDuplicateActive, ErrCodeTaskAlreadyActive, ErrCodeNotPending,
		ErrCodeOrderConflict, ErrCodeScenarioInUse, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNoEligibleApprover:
		return http.StatusUnprocessableEntity
	case ErrCodeAdapter:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error code to a gRPC status code.
func GRPCCode(code ErrorCode) codes.Code {
	switch code {
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeUnauthorized:
		return codes.PermissionDenied
	case ErrCodeDuplicateActive, ErrCodeTaskAlreadyActive:
		return codes.AlreadyExists
	case ErrCodeNotPending, ErrCodeOrderConflict, ErrCodeScenarioInUse,
		ErrCodeConflict, ErrCodeNoEligibleApprover:
		return codes.FailedPrecondition
	case ErrCodeAdapter:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

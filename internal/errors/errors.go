// Package errors re-exports github.com/cockroachdb/errors and defines the
// error taxonomy of the generation pipeline.
//
// Only validation, access and quota errors carry messages meant for end
// users. Provider errors are absorbed by the local fallback and storage errors
// on telemetry paths are logged and dropped; see HTTPStatus for the mapping
// applied at the API edge.
package errors

import (
	"fmt"
	"net/http"
	"time"

	crdb "github.com/cockroachdb/errors"
)

var (
	New       = crdb.New
	Newf      = crdb.Newf
	Wrap      = crdb.Wrap
	Wrapf     = crdb.Wrapf
	WithStack = crdb.WithStack
	Is        = crdb.Is
	As        = crdb.As
	Unwrap    = crdb.Unwrap
)

var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrRateLimited is returned at the API boundary when a caller sends
	// requests faster than its token bucket allows. It is unrelated to the
	// monthly quota.
	ErrRateLimited = New("rate limit exceeded")
)

const (
	CodeMissingField        = "MISSING_FIELD"
	CodeTypeMismatch        = "TYPE_MISMATCH"
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"
	CodeUnknownField        = "UNKNOWN_FIELD"

	CodeUnbalancedBlock    = "UNBALANCED_BLOCK"
	CodeUnknownPlaceholder = "UNKNOWN_PLACEHOLDER"
	CodeMalformedTag       = "MALFORMED_TAG"
	CodeInvalidLoopTarget  = "INVALID_LOOP_TARGET"
	CodeDuplicateParameter = "DUPLICATE_PARAMETER"
	CodeInvalidDefault     = "INVALID_DEFAULT"
)

type Violation struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError describes caller-fixable input problems. Code and Field
// mirror the first violation.
type ValidationError struct {
	Code       string
	Field      string
	Message    string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidation(code, field, format string, args ...any) *ValidationError {
	msg := fmt.Sprintf(format, args...)
	return &ValidationError{
		Code:       code,
		Field:      field,
		Message:    msg,
		Violations: []Violation{{Code: code, Field: field, Message: msg}},
	}
}

// FromViolations builds a ValidationError from a non-empty violation list.
func FromViolations(vs []Violation) *ValidationError {
	if len(vs) == 0 {
		return nil
	}
	first := vs[0]
	msg := first.Message
	if len(vs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(vs)-1)
	}
	return &ValidationError{Code: first.Code, Field: first.Field, Message: msg, Violations: vs}
}

// CompileError reports a malformed template. Offset is the byte position in
// the template source where the problem was detected.
type CompileError struct {
	Code    string
	Offset  int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("template compile error %s at offset %d: %s", e.Code, e.Offset, e.Message)
}

type QuotaExceededError struct {
	Limit     int64
	Used      int64
	ResetDate time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded: used %d of %d, resets %s",
		e.Used, e.Limit, e.ResetDate.Format(time.RFC3339))
}

// ProviderError is returned by the completion client once its retry budget
// is exhausted.
type ProviderError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion provider failed after %d attempts (last status %d): %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion provider failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorage(op string, err error) error {
	return WithStack(&StorageError{Op: op, Err: err})
}

type UnsupportedModeError struct {
	Mode string
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("unsupported generation mode %q", e.Mode)
}

type AccessDeniedError struct {
	Required string
	Plan     string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("template requires the %s plan, current plan is %s", e.Required, e.Plan)
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	var (
		verr *ValidationError
		merr *UnsupportedModeError
		aerr *AccessDeniedError
		qerr *QuotaExceededError
		serr *StorageError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case As(err, &verr), As(err, &merr):
		return http.StatusBadRequest
	case As(err, &aerr), As(err, &qerr):
		return http.StatusForbidden
	case Is(err, ErrNotFound):
		return http.StatusNotFound
	case Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case As(err, &serr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine readable code sent to clients.
func Code(err error) string {
	var (
		verr *ValidationError
		cerr *CompileError
	)
	switch status := HTTPStatus(err); {
	case As(err, &verr):
		return verr.Code
	case As(err, &cerr):
		return "TEMPLATE_INVALID"
	case status == http.StatusBadRequest:
		return "UNSUPPORTED_MODE"
	case status == http.StatusForbidden:
		var qerr *QuotaExceededError
		if As(err, &qerr) {
			return "QUOTA_EXCEEDED"
		}
		return "ACCESS_DENIED"
	case status == http.StatusNotFound:
		return "NOT_FOUND"
	case status == http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case status == http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// PublicMessage returns the message safe to show to a caller. Internal
// failures collapse to generic text.
func PublicMessage(err error) string {
	var (
		verr *ValidationError
		merr *UnsupportedModeError
		aerr *AccessDeniedError
		qerr *QuotaExceededError
	)
	switch {
	case As(err, &verr):
		return verr.Error()
	case As(err, &merr):
		return merr.Error()
	case As(err, &aerr):
		return aerr.Error()
	case As(err, &qerr):
		return qerr.Error()
	case Is(err, ErrNotFound):
		return "template not found"
	case Is(err, ErrRateLimited):
		return "too many requests, slow down"
	}
	if HTTPStatus(err) == http.StatusServiceUnavailable {
		return "service temporarily unavailable, please retry later"
	}
	return "internal server error"
}

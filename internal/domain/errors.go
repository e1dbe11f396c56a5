package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Every operation failure maps to
// exactly one of these categories; callers dispatch with errors.Is.
var (
	ErrValidation   = fmt.Errorf("validation failed")
	ErrInvalidState = fmt.Errorf("operation not valid in current state")
	ErrExpiredQuote = fmt.Errorf("quote expired")
	ErrNotFound     = fmt.Errorf("not found")
	ErrBusy         = fmt.Errorf("resource busy")
	ErrRailFailure  = fmt.Errorf("settlement rail failure")
	ErrInternal     = fmt.Errorf("internal invariant violation")

	// Rail sub-categories. Both unwrap to ErrRailFailure so generic rail
	// handling keeps working; the orchestrator uses the distinction to decide
	// between retry and immediate terminal failure.
	ErrRailDeclined    = fmt.Errorf("charge declined: %w", ErrRailFailure)
	ErrRailUnavailable = fmt.Errorf("rail unavailable: %w", ErrRailFailure)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.CounterOffer")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// on retry: lock contention or a rail that is temporarily unreachable.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrRailUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and for
// transport surfaces (gateway frames, MCP tool results).
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeValidation      ErrorCode = "VALIDATION"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeExpiredQuote    ErrorCode = "EXPIRED_QUOTE"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeBusy            ErrorCode = "BUSY"
	CodeRailFailure     ErrorCode = "RAIL_FAILURE"
	CodeRailDeclined    ErrorCode = "RAIL_DECLINED"
	CodeRailUnavailable ErrorCode = "RAIL_UNAVAILABLE"
	CodeInternal        ErrorCode = "INTERNAL"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order matters in ErrorCodeOf: rail sub-categories are checked before the
// generic ErrRailFailure they wrap.
var errorCodeOrder = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrRailDeclined, CodeRailDeclined},
	{ErrRailUnavailable, CodeRailUnavailable},
	{ErrRailFailure, CodeRailFailure},
	{ErrValidation, CodeValidation},
	{ErrInvalidState, CodeInvalidState},
	{ErrExpiredQuote, CodeExpiredQuote},
	{ErrNotFound, CodeNotFound},
	{ErrBusy, CodeBusy},
	{ErrInternal, CodeInternal},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, most specific sentinel first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeOrder {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Package errors defines the categorised errors raised by the indexing pipeline
// and their mapping onto the three public API signals.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient is a network or ledger read failure; the next cycle retries
	CategoryTransient ErrorCategory = "transient_network"
	// CategoryDecode is a log that matches no known event
	CategoryDecode ErrorCategory = "decode"
	// CategoryInvalidTransition is an event that breaks the milestone state machine
	CategoryInvalidTransition ErrorCategory = "invalid_transition"
	// CategoryInvalidAmount is a zero amount or one that breaks released <= raised
	CategoryInvalidAmount ErrorCategory = "invalid_amount"
	// CategoryPersistence is a store failure
	CategoryPersistence ErrorCategory = "persistence"
	// CategoryNotFound is a missing read-side resource
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryValidation is a malformed request
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem is anything else
	CategorySystem ErrorCategory = "system"
)

// Public error codes. Nothing else is ever sent to API clients.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Pipeline errors

// NewTransientNetworkError wraps a failed ledger call
func NewTransientNetworkError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    fmt.Sprintf("ledger call failed during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewDecodeError reports a log that could not be decoded
func NewDecodeError(txHash string, logIndex uint, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDecode,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    fmt.Sprintf("cannot decode log %s:%d: %s", txHash, logIndex, reason),
		Details: map[string]interface{}{
			"txHash":   txHash,
			"logIndex": logIndex,
		},
	}
}

// NewInvalidTransitionError reports an event whose precondition does not hold
func NewInvalidTransitionError(campaign string, event string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvalidTransition,
		StatusCode: http.StatusBadRequest,
		Code:       CodeBadRequest,
		Message:    fmt.Sprintf("%s on %s: %s", event, campaign, reason),
		Details: map[string]interface{}{
			"campaign": campaign,
			"event":    event,
		},
	}
}

// NewInvalidAmountError reports a zero amount or a conservation breach
func NewInvalidAmountError(campaign string, amount string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvalidAmount,
		StatusCode: http.StatusBadRequest,
		Code:       CodeBadRequest,
		Message:    fmt.Sprintf("amount %s on %s: %s", amount, campaign, reason),
		Details: map[string]interface{}{
			"campaign": campaign,
			"amount":   amount,
		},
	}
}

// NewPersistenceError wraps a store failure
func NewPersistenceError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPersistence,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    fmt.Sprintf("store error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Read-side errors

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeBadRequest,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize returns the first CategorizedError in err's chain, or wraps err
// as an internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}
	return NewInternalError("unexpected error", err)
}

func hasCategory(err error, categories ...ErrorCategory) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	for _, c := range categories {
		if catErr.Category == c {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a ledger read failure
func IsTransient(err error) bool { return hasCategory(err, CategoryTransient) }

// IsDecode reports whether err is a decode failure
func IsDecode(err error) bool { return hasCategory(err, CategoryDecode) }

// IsDomain reports whether err is a state machine or amount violation
func IsDomain(err error) bool {
	return hasCategory(err, CategoryInvalidTransition, CategoryInvalidAmount)
}

// IsPersistence reports whether err is a store failure
func IsPersistence(err error) bool { return hasCategory(err, CategoryPersistence) }

// IsNotFound reports whether err is a missing resource
func IsNotFound(err error) bool { return hasCategory(err, CategoryNotFound) }

// HTTPStatus returns the HTTP status code for an error
func HTTPStatus(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// PublicCode returns the client-facing code for an error
func PublicCode(err error) string {
	switch HTTPStatus(err) {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusBadRequest:
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// Package shared contains common domain types and errors that are used
// across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation    = errors.New("validation error")
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyValue    = errors.New("value cannot be empty")
	ErrInvalidFormat = errors.New("invalid format")

	// Authorization errors
	ErrForbidden = errors.New("forbidden")

	// Failure taxonomy of the notification pipeline.
	ErrUpstream = errors.New("schedule source error")
	ErrDelivery = errors.New("message delivery error")
	ErrStore    = errors.New("document store error")

	// External service errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "schedule", "subscription", "chsu"
	Op      string // Operation that failed, e.g., "Fetch", "Swap"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// UpstreamError wraps a schedule source failure (unreachable, timed out or malformed).
func UpstreamError(domain, op string, err error) *DomainError {
	return WrapError(domain, op, ErrUpstream, "schedule source failed", err)
}

// DeliveryError wraps a failed outbound chat message.
func DeliveryError(platform, op string, err error) *DomainError {
	return WrapError(platform, op, ErrDelivery, "message not delivered", err)
}

// StoreError wraps a document store failure.
func StoreError(domain, op string, err error) *DomainError {
	return WrapError(domain, op, ErrStore, "store unavailable", err)
}

// Schedule domain errors
var (
	ErrEntityNotFound  = NewDomainError("schedule", "Resolve", ErrNotFound, "group or professor not found")
	ErrInvalidDate     = NewDomainError("schedule", "ParseDate", ErrInvalidFormat, "invalid calendar date")
	ErrEmptyEntityName = NewDomainError("schedule", "Validate", ErrEmptyValue, "entity name cannot be empty")
)

// Subscription domain errors
var (
	ErrUserNotFound       = NewDomainError("subscription", "FindUser", ErrNotFound, "user not registered")
	ErrInvalidPlatform    = NewDomainError("subscription", "Validate", ErrInvalidInput, "unknown chat platform")
	ErrInvalidMailingTime = NewDomainError("subscription", "Validate", ErrInvalidFormat, "mailing time must be HH:MM")
	ErrNoEntitySelected   = NewDomainError("subscription", "Track", ErrInvalidInput, "user has no group or professor selected")
)

// Messenger errors
var (
	ErrMessengerNotFound = NewDomainError("messenger", "Resolve", ErrNotFound, "no messenger for platform")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsUpstream checks if the error came from the schedule source.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstream)
}

// IsDelivery checks if the error is a failed message send.
func IsDelivery(err error) bool {
	return errors.Is(err, ErrDelivery)
}

// IsStore checks if the error is a store failure.
func IsStore(err error) bool {
	return errors.Is(err, ErrStore)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStore)
}

// Package errors provides standardized error handling for netsrv components.
// It classifies errors into transient, invalid, and fatal categories so the
// dispatch scheduler can decide between retrying, reporting a permanent
// failure, and halting a component.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents permanent errors due to invalid input,
	// configuration, or downstream rejection; retrying cannot help
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Source decoding errors
	ErrDecodeFailed    = errors.New("record decode failed")
	ErrUnknownDataType = errors.New("unknown data type")
	ErrEmptyValue      = errors.New("empty source value")

	// Routing configuration errors
	ErrDuplicateRoute     = errors.New("duplicate route name")
	ErrUnknownProtocol    = errors.New("unknown protocol")
	ErrInvalidBatchPolicy = errors.New("invalid batch policy")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrRouteNotFound      = errors.New("route not found")

	// Delivery errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrOversizedPayload   = errors.New("payload exceeds maximum size")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Scheduling errors
	ErrQueueSaturated = errors.New("dispatch queue saturated")
	ErrBatchDiscarded = errors.New("batch discarded at shutdown")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s.%s: %s: %v", ce.Component, ce.Operation, ce.Message, ce.Err)
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrQueueSaturated) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Fall back to message inspection for errors from client libraries
	// that expose no typed sentinel.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"too many requests",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is permanent due to invalid input,
// configuration, or downstream rejection
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrDecodeFailed) ||
		errors.Is(err, ErrUnknownDataType) ||
		errors.Is(err, ErrDuplicateRoute) ||
		errors.Is(err, ErrUnknownProtocol) ||
		errors.Is(err, ErrInvalidBatchPolicy) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrOversizedPayload)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid (permanent) with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, err, component, method, action)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need a second errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

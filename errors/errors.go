// Package errors provides standardized error handling for the node stack.
// It carries the error classification used for retry decisions, the closed
// node error taxonomy (Kind and Severity), sentinel errors for every kind and
// helpers for consistent wrapping across components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/cyphalnode/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
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

// Sentinel errors. Every sentinel carries its Kind, recoverable through KindOf.
var (
	// Lifecycle
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrNotInitialized = errors.New("component not initialized")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Bus and transport
	ErrNetworkUnavailable = newSentinel(KindNetworkUnavailable, "network unavailable")
	ErrQueueFull          = newSentinel(KindQueueFull, "transmit queue full")
	ErrTimeout            = newSentinel(KindTimeout, "operation timed out")
	ErrLockTimeout        = newSentinel(KindTimeout, "lock acquisition timed out")
	ErrSendFailed         = newSentinel(KindSendFailed, "send failed")
	ErrReceiveFailed      = newSentinel(KindReceiveFailed, "receive failed")
	ErrTransportError     = newSentinel(KindTransportError, "transport error")

	// Setup and parameters
	ErrInitFailed       = newSentinel(KindInitFailed, "initialization failed")
	ErrInvalidConfig    = newSentinel(KindInvalidConfig, "invalid configuration")
	ErrInvalidParameter = newSentinel(KindInvalidParameter, "invalid parameter")
	ErrMemoryAllocation = newSentinel(KindMemoryAllocation, "memory allocation failed")

	// Identity and supervision
	ErrNodeIDConflict   = newSentinel(KindNodeIDConflict, "node id conflict")
	ErrAllocationFailed = newSentinel(KindAllocationFailed, "node id allocation failed")
	ErrTooManyTasks     = newSentinel(KindTooManyTasks, "too many monitored tasks")
	ErrIsolated         = errors.New("node isolated from bus")

	// Retry
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
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
		return ce.Message
	}
	return ce.Err.Error()
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

	if kind := KindOf(err); kind != KindNone {
		return IsRecoverable(kind)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "temporary", "unavailable", "connection refused"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
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

	if kind := KindOf(err); kind != KindNone {
		return kind.Class() == ErrorFatal
	}
	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	if kind := KindOf(err); kind != KindNone {
		return kind.Class() == ErrorInvalid
	}
	return false
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

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
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapKind wraps err with context and the class implied by its kind.
// When err has no kind of its own the kind sentinel is joined in so that
// KindOf reports kind for the result.
func WrapKind(kind Kind, err error, component, method, action string) error {
	if err == nil {
		err = kind.Sentinel()
	} else if KindOf(err) == KindNone && kind.Sentinel() != nil {
		err = fmt.Errorf("%w: %w", kind.Sentinel(), err)
	}
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(kind.Class(), wrappedErr, component, method, wrappedErr.Error())
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the bounded retry used for recoverable bus errors
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// ToRetryConfig converts to the retry framework's Config.
// MaxRetries counts additional attempts, MaxAttempts counts all of them.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

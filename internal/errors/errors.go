package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDowngradeNotAllowed = errors.New("downgrade not allowed")
	ErrSignatureMismatch   = errors.New("signature mismatch")
	ErrDeviceMismatch      = errors.New("device mismatch")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrDriftDetected       = errors.New("balance drift detected")
	ErrInvalidInput        = errors.New("invalid input")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeBalance    ErrorType = "insufficient_balance"
	ErrorTypeDowngrade  ErrorType = "downgrade_not_allowed"
	ErrorTypeSignature  ErrorType = "signature_mismatch"
	ErrorTypeDevice     ErrorType = "device_mismatch"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeDrift      ErrorType = "drift"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// LedgerError is a structured error for token accounting operations.
type LedgerError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "debit", "sync_push")
	Reason    string // Mutation reason if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *LedgerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LedgerError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrInsufficientBalance:
		return e.Type == ErrorTypeBalance
	case ErrDowngradeNotAllowed:
		return e.Type == ErrorTypeDowngrade
	case ErrSignatureMismatch:
		return e.Type == ErrorTypeSignature
	case ErrDeviceMismatch:
		return e.Type == ErrorTypeDevice
	case ErrNetworkUnavailable:
		return e.Type == ErrorTypeNetwork
	case ErrDriftDetected:
		return e.Type == ErrorTypeDrift
	}

	return errors.Is(e.Err, target)
}

// NewLedgerError creates a new LedgerError
func NewLedgerError(errorType ErrorType, op, reason string, err error) *LedgerError {
	return &LedgerError{
		Type:      errorType,
		Op:        op,
		Reason:    reason,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeInternal:
		return true
	default:
		// Balance, downgrade, and integrity failures never succeed on retry.
		return false
	}
}

// Helper functions

// WrapInsufficientBalance wraps a failed debit with context
func WrapInsufficientBalance(op, reason string) error {
	return NewLedgerError(ErrorTypeBalance, op, reason, ErrInsufficientBalance)
}

// WrapDowngrade wraps a rejected tier change with context
func WrapDowngrade(op string) error {
	return NewLedgerError(ErrorTypeDowngrade, op, "", ErrDowngradeNotAllowed)
}

// WrapNetworkError wraps a transport failure with context
func WrapNetworkError(op string, err error) error {
	return NewLedgerError(ErrorTypeNetwork, op, "", fmt.Errorf("%w: %w", ErrNetworkUnavailable, err))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var ledErr *LedgerError
	if errors.As(err, &ledErr) {
		return ledErr.Retryable
	}
	return errors.Is(err, ErrNetworkUnavailable)
}

// IsIntegrityError checks if an error is a tamper or device-binding failure
func IsIntegrityError(err error) bool {
	if err == nil {
		return false
	}
	var ledErr *LedgerError
	if errors.As(err, &ledErr) {
		if ledErr.Type == ErrorTypeSignature || ledErr.Type == ErrorTypeDevice {
			return true
		}
	}
	return errors.Is(err, ErrSignatureMismatch) || errors.Is(err, ErrDeviceMismatch)
}

// IsRecoverableError reports whether an error should surface to the UI
// as a user-facing result rather than being absorbed internally.
func IsRecoverableError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrDowngradeNotAllowed)
}

package errors

import (
	"context"
	"errors"
	"net"
)

// Failure codes produced by phase execution. Retryable failures are transient
// provider/network conditions; fatal failures are schema or validation
// rejections from a phase's owning service and are never retried.
const (
	CodeRetryableFailure = "RETRYABLE_FAILURE"
	CodeFatalFailure     = "FATAL_FAILURE"
)

// NewRetryableFailure creates a transient phase failure
func NewRetryableFailure(message string, cause error) *DomainError {
	return NewDomainError(DomainInfrastructureError, CodeRetryableFailure, message).
		WithCause(cause).
		WithRetryable(true)
}

// NewFatalFailure creates a non-retryable phase failure
func NewFatalFailure(message string, cause error) *DomainError {
	return NewDomainError(DomainBusinessRuleError, CodeFatalFailure, message).
		WithCause(cause)
}

// IsRetryable reports whether an error should be retried with backoff.
// Unknown errors are not retryable: an unclassified error must not be
// silently retried indefinitely.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}

	if appErr := GetAppError(err); appErr != nil {
		switch appErr.Type {
		case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeUnavailable:
			return true
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsFatalFailure reports whether an error carries the fatal failure code
func IsFatalFailure(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == CodeFatalFailure
	}
	return false
}

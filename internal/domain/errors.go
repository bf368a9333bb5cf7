package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common domain error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadySubscribed = "ALREADY_SUBSCRIBED"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeNoPaymentMethod   = "NO_PAYMENT_METHOD"
	ErrCodeChallengeExpired  = "CHALLENGE_EXPIRED"
	ErrCodeAuthRequired      = "AUTHENTICATION_REQUIRED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewInvalidInputError creates a new invalid input error
func NewInvalidInputError(message, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidInput,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource, id string) *DomainError {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: fmt.Sprintf("ID: %s", id),
	}
}

// NewAlreadySubscribedError signals the user already holds a
// non-terminal subscription
func NewAlreadySubscribedError(userID, subscriptionID string) *DomainError {
	return &DomainError{
		Code:    ErrCodeAlreadySubscribed,
		Message: "user already holds an open subscription",
		Details: fmt.Sprintf("user: %s, subscription: %s", userID, subscriptionID),
	}
}

// NewInvalidStateError creates a new invalid state error
func NewInvalidStateError(message, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidState,
		Message: message,
		Details: details,
	}
}

// NewNoPaymentMethodError signals billing was attempted without a
// payment method on file
func NewNoPaymentMethodError(subscriptionID string) *DomainError {
	return &DomainError{
		Code:    ErrCodeNoPaymentMethod,
		Message: "subscription has no payment method configured",
		Details: fmt.Sprintf("ID: %s", subscriptionID),
	}
}

// NewChallengeExpiredError signals a validation against a lapsed
// challenge; the challenge is terminal and a new one must be created
func NewChallengeExpiredError(challengeID string) *DomainError {
	return &DomainError{
		Code:    ErrCodeChallengeExpired,
		Message: "authentication challenge has expired",
		Details: fmt.Sprintf("ID: %s", challengeID),
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: message,
	}
}

// IsDomainError checks if an error is a domain error
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// GetDomainError extracts domain error from an error
func GetDomainError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// HasCode reports whether err is a domain error carrying the given code
func HasCode(err error, code string) bool {
	de := GetDomainError(err)
	return de != nil && de.Code == code
}

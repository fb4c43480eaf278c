package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Error types for classifying failures of the launch core

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeProcess      ErrorType = "process"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypePermission   ErrorType = "permission"
	ErrorTypeIO           ErrorType = "io"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeCancelled    ErrorType = "cancelled"
	ErrorTypeUnavailable  ErrorType = "unavailable"
	ErrorTypeOutOfBounds  ErrorType = "out_of_bounds"
	ErrorTypeArchitecture ErrorType = "architecture"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Precondition errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewArchitectureError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeArchitecture, message, cause)
}

// OS call errors
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

// Expected unavailability, not a failure
func NewUnavailableError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnavailable, message, cause)
}

func NewOutOfBoundsError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeOutOfBounds, message, cause)
}

// Timing errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers
func IsType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

func IsArchitectureError(err error) bool {
	return IsType(err, ErrorTypeArchitecture)
}

func IsProcessError(err error) bool {
	return IsType(err, ErrorTypeProcess)
}

func IsPermissionError(err error) bool {
	return IsType(err, ErrorTypePermission)
}

func IsIOError(err error) bool {
	return IsType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return IsType(err, ErrorTypeInternal)
}

func IsUnavailableError(err error) bool {
	return IsType(err, ErrorTypeUnavailable)
}

func IsOutOfBoundsError(err error) bool {
	return IsType(err, ErrorTypeOutOfBounds)
}

func IsTimeoutError(err error) bool {
	return IsType(err, ErrorTypeTimeout)
}

func IsCancelledError(err error) bool {
	return IsType(err, ErrorTypeCancelled)
}

// Win32Code extracts the platform error code carried anywhere in the chain.
func Win32Code(err error) (uint32, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno), true
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if code, ok := domainErr.Context["win32_code"].(uint32); ok {
			return code, true
		}
	}
	return 0, false
}

// Error aggregation for cleanup paths that can fail more than once
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}

package contracts

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by stores when a unique key already exists
var ErrDuplicate = errors.New("duplicate")

// BusinessErrorCode is the machine readable code sent back to participants
type BusinessErrorCode string

const (
	CodeInvalidTimezone         BusinessErrorCode = "INVALID_TIMEZONE"
	CodeInvalidCurrency         BusinessErrorCode = "INVALID_CURRENCY"
	CodeInvalidDomain           BusinessErrorCode = "INVALID_DOMAIN"
	CodeInvalidPtuDuration      BusinessErrorCode = "INVALID_PTU_DURATION"
	CodeWrongNumberOfPtus       BusinessErrorCode = "WRONG_NUMBER_OF_PTUS"
	CodeIncompletePtus          BusinessErrorCode = "INCOMPLETE_PTUS"
	CodePtusInWrongPhase        BusinessErrorCode = "PTUS_IN_WRONG_PHASE"
	CodeDocumentExpired         BusinessErrorCode = "DOCUMENT_EXPIRED"
	CodeRelatedMessageNotFound  BusinessErrorCode = "RELATED_MESSAGE_NOT_FOUND"
	CodeIllegalStatusTransition BusinessErrorCode = "ILLEGAL_STATUS_TRANSITION"
	CodeIllegalPhaseTransition  BusinessErrorCode = "ILLEGAL_PHASE_TRANSITION"
	CodeGateClosurePassed       BusinessErrorCode = "GATE_CLOSURE_PASSED"
)

// BusinessError is an expected validation failure. Callers turn it into a
// rejection sent to the participant; it never aborts unrelated work.
type BusinessError struct {
	Code    BusinessErrorCode `json:"code"`
	Message string            `json:"message"`
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any BusinessError with the same code
func (e *BusinessError) Is(target error) bool {
	t, ok := target.(*BusinessError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewBusinessError creates a BusinessError with a formatted message
func NewBusinessError(code BusinessErrorCode, format string, args ...interface{}) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsBusinessError extracts a BusinessError from err's chain
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsBusinessError reports whether err carries the given code
func IsBusinessError(err error, code BusinessErrorCode) bool {
	be, ok := AsBusinessError(err)
	return ok && be.Code == code
}

// ConfigurationError is fatal for the current run: a PBC step did not
// produce a required output or a required setting is missing.
type ConfigurationError struct {
	Component string
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
}

// NewConfigurationError creates a ConfigurationError
func NewConfigurationError(component, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Component: component, Message: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err's chain holds a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

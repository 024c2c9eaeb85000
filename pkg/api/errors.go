package api

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid or missing builder input. It is
// surfaced synchronously to the builder's caller and never defaulted away.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError creates a ConfigurationError for the given field.
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ValidationError reports a referential-integrity violation discovered at
// build time: dangling transitions, duplicate ids or orders, missing
// start/end steps.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExecutionError reports that a step executor failed or exceeded its
// timeout.
type ExecutionError struct {
	StepID  string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("execution error at step %s: %s", e.StepID, msg)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError creates an ExecutionError for the given step.
func NewExecutionError(stepID, message string, err error) error {
	return &ExecutionError{StepID: stepID, Message: message, Err: err}
}

// IsExecutionError reports whether err is an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// RoutingError reports that a condition evaluation failed with no
// configured error target to recover through.
type RoutingError struct {
	StepID string
	Err    error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error at step %s: %v", e.StepID, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// NewRoutingError creates a RoutingError for the given condition step.
func NewRoutingError(stepID string, err error) error {
	return &RoutingError{StepID: stepID, Err: err}
}

// IsRoutingError reports whether err is a RoutingError.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}

package extensions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed install or configuration requests
	ErrValidation = errors.New("validation error")

	// ErrDuplicate marks an install of a name that is already installed
	ErrDuplicate = errors.New("duplicate extension")

	// ErrDependency marks missing dependencies or blocking dependents
	ErrDependency = errors.New("dependency error")

	// ErrSecurityPolicy marks a failed security validation
	ErrSecurityPolicy = errors.New("security policy violation")

	// ErrHandlerExecution marks a failed extension point handler
	ErrHandlerExecution = errors.New("handler execution failed")

	// ErrNotFound marks an unknown extension id
	ErrNotFound = errors.New("extension not found")

	// ErrInvalidTransition marks a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError describes a malformed request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ValidationErrors aggregates several field errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return "validation error: " + strings.Join(msgs, "; ")
}

func (errs ValidationErrors) Unwrap() error { return ErrValidation }

// DuplicateExtensionError is returned when a name is already installed
type DuplicateExtensionError struct {
	Name       string
	ExistingID string
}

func (e *DuplicateExtensionError) Error() string {
	return fmt.Sprintf("extension %q already installed (id %s)", e.Name, e.ExistingID)
}

func (e *DuplicateExtensionError) Unwrap() error { return ErrDuplicate }

// DependencyError lists missing dependencies or blocking dependents
type DependencyError struct {
	ExtensionID string
	Missing     []string
	Dependents  []string
}

func (e *DependencyError) Error() string {
	if len(e.Dependents) > 0 {
		return fmt.Sprintf("extension %s is required by: %s", e.ExtensionID, strings.Join(e.Dependents, ", "))
	}
	return fmt.Sprintf("extension %s has unsatisfied dependencies: %s", e.ExtensionID, strings.Join(e.Missing, ", "))
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// SecurityPolicyViolation is returned when the validation pipeline fails
type SecurityPolicyViolation struct {
	ExtensionID string
	Score       float64
	Reasons     []string
}

func (e *SecurityPolicyViolation) Error() string {
	msg := fmt.Sprintf("security validation failed (score %.1f)", e.Score)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *SecurityPolicyViolation) Unwrap() error { return ErrSecurityPolicy }

// HandlerExecutionError wraps the failure of a single handler
type HandlerExecutionError struct {
	ExtensionID  string
	PointID      string
	FunctionName string
	Err          error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %s of extension %s failed: %v", e.FunctionName, e.ExtensionID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() []error { return []error{ErrHandlerExecution, e.Err} }

// NotFoundError is returned when an extension id does not resolve
type NotFoundError struct {
	ExtensionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("extension not found: %s", e.ExtensionID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError is returned for a status change the state machine forbids
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

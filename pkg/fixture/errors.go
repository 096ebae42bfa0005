package fixture

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a harness error for recovery decisions.
type ErrorClass string

const (
	// ErrorClassSetup indicates a fatal setup/provision failure: the
	// environment never reached ready. The run aborts but cleanup still runs.
	ErrorClassSetup ErrorClass = "setup"

	// ErrorClassHealth indicates a health or readiness failure. The
	// environment exists but is not usable; callers may retry or skip.
	ErrorClassHealth ErrorClass = "health"

	// ErrorClassValidation indicates a failed validation check. These are
	// accumulated by validators, never thrown mid-run.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassResources indicates resource exhaustion: no free slot or
	// ports within the acquisition timeout. Fatal to acquisition.
	ErrorClassResources ErrorClass = "resources"

	// ErrorClassCleanup indicates a best-effort teardown failure. Recorded,
	// never propagated out of teardown paths.
	ErrorClassCleanup ErrorClass = "cleanup"
)

// HarnessError is a classified error with environment context.
type HarnessError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Environment is the environment name the error relates to, if any.
	Environment string `json:"environment,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *HarnessError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Environment != "" {
		msg += fmt.Sprintf(" (environment=%s)", e.Environment)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *HarnessError) Unwrap() error {
	return e.Err
}

// Is matches on class so callers can compare against class sentinels.
func (e *HarnessError) Is(target error) bool {
	t, ok := target.(*HarnessError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithEnvironment attaches environment context.
func (e *HarnessError) WithEnvironment(name string) *HarnessError {
	e.Environment = name
	return e
}

// WithOperation attaches operation context.
func (e *HarnessError) WithOperation(op string) *HarnessError {
	e.Operation = op
	return e
}

// NewSetupError creates a fatal setup/provision error.
func NewSetupError(message string, err error) *HarnessError {
	return &HarnessError{Class: ErrorClassSetup, Message: message, Err: err}
}

// NewHealthError creates a health/readiness failure.
func NewHealthError(message string, err error) *HarnessError {
	return &HarnessError{Class: ErrorClassHealth, Message: message, Err: err}
}

// NewValidationError creates a validation failure.
func NewValidationError(message string, err error) *HarnessError {
	return &HarnessError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewResourceError creates a resource-exhaustion error.
func NewResourceError(message string, err error) *HarnessError {
	return &HarnessError{Class: ErrorClassResources, Message: message, Err: err}
}

// NewCleanupError creates a cleanup error.
func NewCleanupError(message string, err error) *HarnessError {
	return &HarnessError{Class: ErrorClassCleanup, Message: message, Err: err}
}

// classOf extracts the class from an error chain, or "" if unclassified.
func classOf(err error) ErrorClass {
	var e *HarnessError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsSetupError reports whether err is a fatal setup/provision error.
func IsSetupError(err error) bool { return classOf(err) == ErrorClassSetup }

// IsHealthError reports whether err is a health/readiness failure.
func IsHealthError(err error) bool { return classOf(err) == ErrorClassHealth }

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool { return classOf(err) == ErrorClassValidation }

// IsResourceError reports whether err is a resource-exhaustion error.
func IsResourceError(err error) bool { return classOf(err) == ErrorClassResources }

// IsCleanupError reports whether err is a cleanup error.
func IsCleanupError(err error) bool { return classOf(err) == ErrorClassCleanup }

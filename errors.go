package stepflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Store errors.
	ErrNoStore          = errors.New("stepflow: no store configured")
	ErrStoreClosed      = errors.New("stepflow: store closed")
	ErrMigrationFailed  = errors.New("stepflow: migration failed")
	ErrConcurrentUpdate = errors.New("stepflow: concurrent update of execution")

	// Not found errors.
	ErrDefinitionNotFound = errors.New("stepflow: definition not found")
	ErrExecutionNotFound  = errors.New("stepflow: execution not found")
	ErrScheduleNotFound   = errors.New("stepflow: schedule not found")
	ErrHandlerNotFound    = errors.New("stepflow: handler not registered")

	// Conflict errors.
	ErrExecutionAlreadyExists = errors.New("stepflow: execution already exists")
	ErrDefinitionExists       = errors.New("stepflow: definition version already exists")
	ErrDuplicateSchedule      = errors.New("stepflow: duplicate schedule")

	// Request errors.
	ErrInvalidDefinition = errors.New("stepflow: invalid definition")
	ErrInvalidInput      = errors.New("stepflow: invalid input")

	// Task token errors.
	ErrTokenNotFound       = errors.New("stepflow: task token not found")
	ErrTokenAlreadyRetired = errors.New("stepflow: task token already retired")

	// Engine errors.
	ErrExecutionLimitExceeded = errors.New("stepflow: running execution limit exceeded")
	ErrEngineStopped          = errors.New("stepflow: engine stopped")
)

// Error kinds recorded on TaskFailed and ExecutionFailed events. Handlers
// may report any other kind; these are the ones the engine produces.
const (
	// ErrorKindAll matches every error kind in a retry or catch filter.
	ErrorKindAll = "States.ALL"
	// ErrorKindWildcard is the short form of ErrorKindAll.
	ErrorKindWildcard = "*"
	// ErrorKindTimeout is synthesized when a task deadline elapses.
	ErrorKindTimeout = "Timeout"
	// ErrorKindTaskFailed is used when a handler fails without a kind.
	ErrorKindTaskFailed = "TaskFailed"
	// ErrorKindStatesMachine marks definition-level runtime failures such
	// as a Choice with no matching rule. It is never retried or caught.
	ErrorKindStatesMachine = "StatesMachineError"
	// ErrorKindStopped is reported for a Parallel branch that was stopped.
	ErrorKindStopped = "ExecutionStopped"
)

// ──────────────────────────────────────────────────
// Error taxonomy
// ──────────────────────────────────────────────────

// ValidationError describes one problem found in a definition. Warnings
// are reported but never block registration.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// DefinitionError is returned when a definition fails validation. It
// unwraps to ErrInvalidDefinition.
type DefinitionError struct {
	Errors []ValidationError
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		if !ve.Warning {
			msgs = append(msgs, ve.Error())
		}
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}

func (e *DefinitionError) Unwrap() error { return ErrInvalidDefinition }

// TaskError is a handler-reported failure. Kind is the tag retry and catch
// filters match against; Cause is recorded verbatim in history.
type TaskError struct {
	Kind  string
	Cause string
}

// NewTaskError returns a TaskError. An empty kind becomes ErrorKindTaskFailed.
func NewTaskError(kind, cause string) *TaskError {
	if kind == "" {
		kind = ErrorKindTaskFailed
	}
	return &TaskError{Kind: kind, Cause: cause}
}

func (e *TaskError) Error() string {
	if e.Cause == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Cause
}

// AsTaskError converts any handler error into a TaskError. Errors that are
// not TaskErrors are reported with ErrorKindTaskFailed.
func AsTaskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewTaskError(ErrorKindTaskFailed, err.Error())
}

// StoreError wraps a persistence failure. The engine never applies a
// transition whose append returned a StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "stepflow: store " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

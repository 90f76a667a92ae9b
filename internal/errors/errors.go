package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for programmatic handling.
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeMaxIterations     = "MAX_ITERATIONS"
	CodeAPIKeyMissing     = "API_KEY_MISSING"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeContractViolation = "CONTRACT_VIOLATION"
	CodeEmptySnapshot     = "EMPTY_SNAPSHOT"
	CodeTransient         = "TRANSIENT"
	CodeStoreError        = "STORE_ERROR"
	CodeExtractionFailed  = "EXTRACTION_FAILED"
	CodeSchedulerClosed   = "SCHEDULER_CLOSED"
)

// MnemoError is a structured error with a code, the node it originated in,
// and an actionable suggestion.
type MnemoError struct {
	Code       string // machine-readable code (e.g. CONTRACT_VIOLATION)
	Node       string // graph node that produced the error, if any
	Message    string // human-readable description
	Suggestion string // actionable fix
	Err        error  // wrapped underlying error
}

// Error implements the error interface.
func (e *MnemoError) Error() string {
	msg := fmt.Sprintf("[%s] ", e.Code)
	if e.Node != "" {
		msg += e.Node + ": "
	}
	msg += e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap supports errors.Is / errors.As.
func (e *MnemoError) Unwrap() error {
	return e.Err
}

// New creates a MnemoError with the given code and message.
func New(code, message string) *MnemoError {
	return &MnemoError{Code: code, Message: message}
}

// Wrap creates a MnemoError wrapping an existing error.
func Wrap(code, message string, err error) *MnemoError {
	return &MnemoError{Code: code, Message: message, Err: err}
}

// WithSuggestion sets the suggestion and returns the error.
func (e *MnemoError) WithSuggestion(suggestion string) *MnemoError {
	e.Suggestion = suggestion
	return e
}

// WithNode sets the originating node and returns the error.
func (e *MnemoError) WithNode(node string) *MnemoError {
	e.Node = node
	return e
}

// Is checks whether target matches this error's code.
func (e *MnemoError) Is(target error) bool {
	var me *MnemoError
	if errors.As(target, &me) {
		return e.Code == me.Code
	}
	return false
}

// Transient marks err as a retryable external failure.
func Transient(message string, err error) *MnemoError {
	return Wrap(CodeTransient, message, err)
}

// ContractViolation reports a broken integration contract. Never retried.
func ContractViolation(message string) *MnemoError {
	return New(CodeContractViolation, message)
}

// AsCode extracts the outermost MnemoError code from an error, or "" if none.
func AsCode(err error) string {
	var me *MnemoError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// HasCode reports whether any MnemoError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var me *MnemoError
		if !errors.As(err, &me) {
			return false
		}
		if me.Code == code {
			return true
		}
		err = me.Err
	}
	return false
}

// IsTransient reports whether err should be retried. Cancellation is never
// transient. A deadline is transient only when something marked it so, as
// the invoker does for its per-call timeout; a bare deadline carries no code.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return HasCode(err, CodeTransient)
}

// NodeOf returns the node recorded on the outermost MnemoError, or "".
func NodeOf(err error) string {
	for err != nil {
		var me *MnemoError
		if !errors.As(err, &me) {
			return ""
		}
		if me.Node != "" {
			return me.Node
		}
		err = me.Err
	}
	return ""
}

// AtNode attributes err to node. A MnemoError without a node is annotated in
// place; anything else is wrapped with fallbackCode.
func AtNode(node, fallbackCode string, err error) error {
	if err == nil {
		return nil
	}
	var me *MnemoError
	if errors.As(err, &me) {
		if me.Node == "" {
			me.Node = node
		}
		return err
	}
	return Wrap(fallbackCode, "node failed", err).WithNode(node)
}

// Suggestion extracts the suggestion from an error, or "" if not a MnemoError.
func Suggestion(err error) string {
	var me *MnemoError
	if errors.As(err, &me) {
		return me.Suggestion
	}
	return ""
}

// IsFatal reports whether err must abort the run without retrying.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

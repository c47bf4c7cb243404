// Package graphcoreerr implements the reactive graph core's error taxonomy:
// a small set of typed, wrapped errors that callers can distinguish with
// errors.Is / errors.As.
package graphcoreerr

import "fmt"

// Code identifies which layer raised the error.
type Code string

const (
	// CodeValidation marks bad inputs: missing field, unknown supertag,
	// wrong value type. No event is emitted for the failed mutation.
	CodeValidation Code = "VALIDATION"
	// CodeStore marks underlying store I/O failures.
	CodeStore Code = "STORE"
	// CodeEvaluation marks evaluator bugs or malformed query definitions.
	CodeEvaluation Code = "EVALUATION"
	// CodeCallback marks a user-supplied callback panicking or erroring.
	CodeCallback Code = "CALLBACK"
	// CodeAutomationAction marks a failed automation action mid-chain.
	CodeAutomationAction Code = "AUTOMATION_ACTION"
	// CodeWebhookTransport marks a network-level webhook delivery failure.
	CodeWebhookTransport Code = "WEBHOOK_TRANSPORT"
	// CodeWebhookHTTP marks a non-2xx webhook response.
	CodeWebhookHTTP Code = "WEBHOOK_HTTP"
)

// Error is the typed error every reactive-core component returns.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with this error's code, so
// errors.Is(err, graphcoreerr.New(graphcoreerr.CodeValidation, "")) matches
// any validation error in err's chain; IsCode below does the same check
// without building a target.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation builds a CodeValidation error.
func Validation(format string, args ...interface{}) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// Store builds a CodeStore error wrapping the underlying I/O failure.
func Store(err error) *Error {
	return Wrap(CodeStore, "store operation failed", err)
}

// Evaluation builds a CodeEvaluation error.
func Evaluation(format string, args ...interface{}) *Error {
	return New(CodeEvaluation, fmt.Sprintf(format, args...))
}

// Callback builds a CodeCallback error wrapping a panic/error from a
// caller-supplied listener.
func Callback(err error) *Error {
	return Wrap(CodeCallback, "callback failed", err)
}

// AutomationAction builds a CodeAutomationAction error.
func AutomationAction(err error) *Error {
	return Wrap(CodeAutomationAction, "automation action failed", err)
}

// WebhookTransport builds a CodeWebhookTransport error.
func WebhookTransport(err error) *Error {
	return Wrap(CodeWebhookTransport, "webhook transport failed", err)
}

// WebhookHTTP builds a CodeWebhookHTTP error for a non-2xx response.
func WebhookHTTP(status int, reason string) *Error {
	return New(CodeWebhookHTTP, fmt.Sprintf("HTTP %d: %s", status, reason))
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

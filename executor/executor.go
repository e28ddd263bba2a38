// Package executor defines the facade between the task handler and the
// opaque workflow engine that actually runs a model. The engine internals
// (workflow interpreter, prompt templating, tool plugins) are out of
// scope; this package only specifies the contract.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a terminal execution error into one of the buckets
// spec.md §4.4 names, so the task handler can pick a response shape
// without inspecting error strings.
type Kind string

const (
	KindModelUnavailable Kind = "model_unavailable"
	KindProviderError    Kind = "provider_error"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindWorkflowError    Kind = "workflow_error"
)

// Error is a terminal execution failure, tagged with its Kind and, for
// KindProviderError, the provider's own error code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrModelUnavailable is returned when the model is no longer in the
// accepted set by the time execution was about to start.
var ErrModelUnavailable = &Error{Kind: KindModelUnavailable, Message: "model not currently accepted"}

// Cancelled wraps context.Canceled into a KindCancelled Error so callers
// can branch on Kind alone.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "execution cancelled", Cause: cause}
}

// Timeout wraps a deadline-exceeded failure into a KindTimeout Error.
func Timeout(cause error) *Error {
	return &Error{Kind: KindTimeout, Message: "execution exceeded its deadline", Cause: cause}
}

// ProviderError wraps a model-provider-reported failure into a
// KindProviderError Error, carrying the provider's own error code.
func ProviderError(code string, cause error) *Error {
	msg := "provider reported an error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindProviderError, Code: code, Message: msg, Cause: cause}
}

// WorkflowError wraps a malformed-or-unrunnable workflow document into a
// KindWorkflowError Error.
func WorkflowError(msg string) *Error {
	return &Error{Kind: KindWorkflowError, Message: msg}
}

// WorkflowDoc is an opaque JSON document the executor merely passes
// through; the core never inspects its structure (spec.md §1).
type WorkflowDoc = []byte

// Output is the result of a successful execution: a produced string or
// binary blob. Idempotence is not guaranteed; re-executing the same
// workflow may produce a different Output (spec.md §4.4).
type Output []byte

// Executor runs a workflow document against a selected model.
type Executor interface {
	// Execute runs workflow with entry as its entry parameter against
	// modelID. ctx carries both the deadline and cooperative
	// cancellation; the executor must observe it between workflow steps.
	// Execute returns either an Output or an *Error tagged with one of
	// the Kind buckets above.
	Execute(ctx context.Context, workflow WorkflowDoc, entry string, modelID string) (Output, error)

	// CanServe reports whether the executor is currently able to run
	// modelID. The task handler consults this in addition to the model
	// registry's accepted set.
	CanServe(modelID string) bool
}

// AsExecutorError unwraps err into an *Error if possible.
func AsExecutorError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure the runtime can attach to a task or
// execution. The set is closed: callers switch on these values and the
// stores persist them verbatim, so new failure modes must be mapped to
// an existing kind or added here.
type Kind string

const (
	// KindValidation - workflow or task definition rejected before planning
	KindValidation Kind = "ValidationError"
	// KindParamResolution - parameter expression could not be resolved
	KindParamResolution Kind = "ParamResolution"
	// KindAgentNotFound - no registered agent matches (agentType, action)
	KindAgentNotFound Kind = "AgentNotFound"
	// KindTimeout - task exceeded its per-attempt deadline
	KindTimeout Kind = "Timeout"
	// KindTransientAgent - agent failed but signalled the failure may clear
	KindTransientAgent Kind = "TransientAgentError"
	// KindPermanentAgent - agent failed and retrying cannot help
	KindPermanentAgent Kind = "PermanentAgentError"
	// KindCircuitOpen - dispatch refused because the agent's breaker is open
	KindCircuitOpen Kind = "CircuitOpen"
	// KindInterrupted - non-idempotent task was running when the process died
	KindInterrupted Kind = "InterruptedNonIdempotent"
	// KindCancelled - task or execution was cancelled cooperatively
	KindCancelled Kind = "Cancelled"
)

// RetryableByDefault reports whether a kind is eligible for retry before
// any policy or idempotency gate is applied. Timeout retries additionally
// require the agent to be idempotent; the executor enforces that.
func (k Kind) RetryableByDefault() bool {
	switch k {
	case KindTimeout, KindTransientAgent:
		return true
	}
	return false
}

// Error is the structured failure record carried on task states and
// execution results. It wraps an optional cause for errors.Is/As chains
// while keeping the persisted shape to kind, message and retryable.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a structured error with the kind's default retryability.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.RetryableByDefault(),
	}
}

// Wrap classifies an existing error under the given kind, preserving it
// as the cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: kind.RetryableByDefault(),
		cause:     err,
	}
}

// WithRetryable overrides the retryable flag, for gates the kind alone
// cannot express (non-idempotent agents, retryOn opt-ins).
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// KindOf maps any error to a kind. Structured errors keep their own kind;
// context and marker errors map directly; everything else falls back to
// the transient/permanent classifier, defaulting to permanent so unknown
// failures never retry forever.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return KindTransientAgent
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return KindPermanentAgent
	}

	if IsTransient(err) {
		return KindTransientAgent
	}
	return KindPermanentAgent
}

// IsKind reports whether err maps to the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify normalizes any error into a structured *Error. Errors that
// already carry a kind pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	return Wrap(KindOf(err), err)
}

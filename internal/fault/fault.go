// Package fault defines the error taxonomy of the action server. Every
// failure that crosses a component boundary is classified by a stable Kind
// whose string form is part of the wire contract: HTTP responses, MCP tool
// results, and run records all carry it.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. The string values are stable and must
// not change; clients match on them.
type Kind string

const (
	// KindBadEnvelope indicates a malformed composite body, base64 blob, or
	// inner JSON in the invocation envelope.
	KindBadEnvelope Kind = "bad-envelope"

	// KindDecryptFailed indicates no configured key authenticated an
	// encrypted envelope.
	KindDecryptFailed Kind = "decrypt-failed"

	// KindSchemaViolation indicates the input payload does not conform to
	// the action's input schema.
	KindSchemaViolation Kind = "schema-violation"

	// KindUnknownAction indicates the package or action slug is not in the
	// catalog.
	KindUnknownAction Kind = "unknown-action"

	// KindUnauthorized indicates a missing or mismatched bearer token.
	KindUnauthorized Kind = "unauthorized"

	// KindOverloaded indicates the pool's waiter queue is saturated.
	KindOverloaded Kind = "overloaded"

	// KindInvalidStateTransition indicates a forbidden run status change.
	// Internal; callers observing it have hit a server bug.
	KindInvalidStateTransition Kind = "invalid-state-transition"

	// KindDbFromFuture indicates the database schema version exceeds what
	// this binary understands. Refuse-to-start.
	KindDbFromFuture Kind = "db-from-future"

	// KindDataDirLocked indicates another server process holds the data
	// directory lock. Refuse-to-start.
	KindDataDirLocked Kind = "data-dir-locked"

	// KindWorkerCrash indicates a worker process died while executing a run.
	KindWorkerCrash Kind = "worker-crash"

	// KindCancellationAcknowledged marks a run that ended because its
	// cancellation was honored. A terminal state, not an error condition.
	KindCancellationAcknowledged Kind = "cancellation-acknowledged"

	// KindHookFailed indicates the post-run hook command failed. Logged,
	// never surfaced to the caller.
	KindHookFailed Kind = "hook-failed"

	// KindInternal covers faults with no more specific classification.
	KindInternal Kind = "internal"
)

// Error is the classified error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies an existing error, optionally adding context. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code the HTTP surface responds
// with. Kinds that never reach a caller map to 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadEnvelope, KindSchemaViolation:
		return http.StatusUnprocessableEntity
	case KindDecryptFailed:
		return http.StatusBadRequest
	case KindUnknownAction:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindOverloaded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

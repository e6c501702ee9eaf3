package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the runtime's taxonomy. Callers discriminate with
// errors.Is; the HTTP boundary maps them onto status codes.
var (
	// ErrFlowNotFound indicates an unknown flow id.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrAgentNotFound indicates an agent reference the loader cannot resolve.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNodeNotFound indicates a node id absent from the flow snapshot.
	ErrNodeNotFound = errors.New("node not found")
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoEntryNode indicates a flow with no resolvable entry node.
	ErrNoEntryNode = errors.New("no entry node")
	// ErrInvalidTarget indicates a handoff target outside the flow snapshot.
	ErrInvalidTarget = errors.New("invalid handoff target")
	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidState indicates an operation attempted in the wrong session state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrRouterInit indicates a router constructed against a missing or empty flow.
	ErrRouterInit = errors.New("router not initialized")
	// ErrChannelClosed indicates a publish or read on a closed event channel.
	ErrChannelClosed = errors.New("event channel closed")
)

// BackendError wraps a failure of the conversational backend collaborator.
// Transient errors are retried at most once by the session runtime; all
// backend errors degrade to Error events rather than killing the session.
type BackendError struct {
	Op        string // "attach", "detach", "say"
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err as a backend failure for the given operation.
func NewBackendError(op string, transient bool, err error) *BackendError {
	return &BackendError{Op: op, Transient: transient, Err: err}
}

// IsNotFound reports whether err is any member of the not-found family.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

package runtime

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by runtime operations.
var (
	// ErrNotConnected is returned by task operations before a successful Connect.
	ErrNotConnected = errors.New("runtime: not connected")

	// ErrStreamingUnsupported is returned by StreamTask when the agent does
	// not advertise streaming.
	ErrStreamingUnsupported = errors.New("runtime: agent does not support streaming")

	// ErrDelegationDepth is returned when a delegation request has no
	// remaining depth budget.
	ErrDelegationDepth = errors.New("runtime: delegation depth exceeded")

	// ErrUnknownProtocol is returned by the factory for unregistered
	// protocol tags.
	ErrUnknownProtocol = errors.New("runtime: unknown protocol")

	// ErrNoRuntimes is returned by manager operations when no runtime is
	// registered.
	ErrNoRuntimes = errors.New("runtime: no runtimes registered")
)

// ConfigError reports an invalid runtime configuration. It is returned
// synchronously from constructors, never deferred to the first operation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("runtime: invalid config field %q: %s", e.Field, e.Reason)
}

// ConnectionError reports a failed connect or disconnect.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("runtime: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected response from a remote
// agent.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("runtime: %s: protocol error: %s", e.Op, e.Detail)
}

// DelegationError reports a failed sub-task delegation.
type DelegationError struct {
	DelegationID string
	ParentTaskID string
	Err          error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("runtime: delegation %s (parent %s): %v", e.DelegationID, e.ParentTaskID, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// BroadcastError aggregates per-runtime failures of a broadcast where no
// runtime succeeded.
type BroadcastError struct {
	Errs []error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("runtime: broadcast failed on all %d runtimes: %v", len(e.Errs), errors.Join(e.Errs...))
}

func (e *BroadcastError) Unwrap() []error { return e.Errs }

// opError wraps an underlying cause with the name of the failed operation.
func opError(op string, err error) error {
	return fmt.Errorf("runtime: %s: %w", op, err)
}

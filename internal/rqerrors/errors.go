// Package rqerrors defines the sentinel error kinds surfaced across the
// engine, façade, and client proxy boundaries.
package rqerrors

import "errors"

var (
	// ErrNotFound is returned when an operation references an unknown item id.
	ErrNotFound = errors.New("item not found")

	// ErrIllegalAction is returned when an action is rejected by the
	// status/action legality table.
	ErrIllegalAction = errors.New("action not legal for current item status")

	// ErrConfigurationIsFirm is returned when a caller attempts to mutate
	// the config of a running item.
	ErrConfigurationIsFirm = errors.New("configuration is firm while item is running")

	// ErrHasRunningItems is returned by a persistence snapshot request made
	// while workers are live and the caller did not opt into rewriting them.
	ErrHasRunningItems = errors.New("snapshot requested with running items and save_running_as_stopped=false")

	// ErrWorkspaceInUse is returned when a workspace lock file already
	// exists. Whether the process that wrote it is still alive is not
	// checked.
	ErrWorkspaceInUse = errors.New("workspace is in use by another process")

	// ErrAuthenticationError is returned when a protocol handshake fails on
	// either side.
	ErrAuthenticationError = errors.New("authentication failed")

	// ErrTimeout is returned when a client-proxy call exceeds its budget.
	ErrTimeout = errors.New("call timed out waiting for response")

	// ErrTransportClosed is returned once a peer has closed the connection
	// or sent a malformed frame; non-recoverable for the session.
	ErrTransportClosed = errors.New("transport closed")
)

// RemoteError wraps an error re-raised on the client proxy after being
// serialized across the wire, preserving the server-side error's type name
// as a string prefix (§7 propagation policy).
type RemoteError struct {
	TypeName string
	Message  string
}

func (e *RemoteError) Error() string {
	if e.TypeName == "" {
		return e.Message
	}
	return e.TypeName + ": " + e.Message
}

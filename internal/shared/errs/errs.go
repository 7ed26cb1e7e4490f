package errs

import "errors"

var (
	// ErrInvalidArgument reports malformed fields, missing required items,
	// duplicate items or bad alignment.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidMessage reports a message whose required items are missing
	// or unparseable.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNotFound reports an absent name or connection. It is also the
	// masquerade for a policy denial at a custom endpoint.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied reports a policy denial at a default endpoint or
	// the bus policy database.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAlreadyExists reports a duplicate bus, name or endpoint where
	// exclusive creation was requested.
	ErrAlreadyExists = errors.New("already exists")

	// ErrBusy reports a ByeBye issued while the receive queue is non-empty.
	ErrBusy = errors.New("busy")

	// ErrIDMismatch reports a destination id that does not match the
	// current owner of the destination name.
	ErrIDMismatch = errors.New("name owned by a different connection")

	// ErrStartRefused reports a message with the no-auto-start flag that
	// resolved to an activator connection.
	ErrStartRefused = errors.New("address not available")

	// ErrCommunication reports a receiver that does not accept file
	// handles attached to the message.
	ErrCommunication = errors.New("receiver refuses file handles")

	// ErrOutOfSpace reports a failed pool slice allocation.
	ErrOutOfSpace = errors.New("pool out of space")

	// ErrFull reports an exhausted quota: pending replies, queued
	// messages, per-user messages or per-user connections.
	ErrFull = errors.New("quota exceeded")

	// ErrConnectionReset reports a destination that became inactive.
	ErrConnectionReset = errors.New("connection reset")

	// ErrBrokenPipe reports that a sync waiter's peer died.
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrTimedOut reports an expired sync reply deadline.
	ErrTimedOut = errors.New("timed out")

	// ErrCancelled reports an explicit cancel or a shutdown that completed
	// a pending request.
	ErrCancelled = errors.New("cancelled")

	// ErrInterrupted reports an external interrupt of a sync wait. The
	// reply tracker is preserved so a restarted call can resume it.
	ErrInterrupted = errors.New("interrupted")

	// ErrAlreadyDone reports a redundant ByeBye.
	ErrAlreadyDone = errors.New("already done")

	// ErrShutdown reports an operation on a disconnected container.
	ErrShutdown = errors.New("shut down")

	// ErrEmpty reports a receive on an empty queue.
	ErrEmpty = errors.New("queue empty")

	// ErrUnsupported reports an update that the connection's role does not
	// permit.
	ErrUnsupported = errors.New("operation not supported for role")
)

package ws

import (
	"errors"

	"github.com/kernelgate/kbus/internal/domain/match"
	"github.com/kernelgate/kbus/internal/domain/names"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// Command is one client request envelope. Only the fields the op reads
// are meaningful.
type Command struct {
	Op    string `json:"op"`
	ReqID string `json:"req_id,omitempty"`

	// hello
	Bus      string           `json:"bus,omitempty"`
	Endpoint string           `json:"endpoint,omitempty"`
	Hello    types.HelloFlags `json:"hello_flags,omitempty"`

	// hello, update, conn_info, bus_creator_info
	Attach types.AttachFlags `json:"attach,omitempty"`
	Items  []types.Item      `json:"items,omitempty"`

	// send
	Message *types.Message `json:"message,omitempty"`

	// recv, recv_wait
	Priority int64           `json:"priority,omitempty"`
	Recv     types.RecvFlags `json:"recv_flags,omitempty"`

	// read, release
	Offset uint64 `json:"offset,omitempty"`

	// cancel, match_remove
	Cookie uint64 `json:"cookie,omitempty"`

	// name_acquire, name_release, conn_info
	Name  string          `json:"name,omitempty"`
	Flags types.NameFlags `json:"name_flags,omitempty"`

	// conn_info
	ID uint64 `json:"id,omitempty"`

	// match_add
	Match *match.Entry `json:"match,omitempty"`
}

// Reply is one server answer envelope.
type Reply struct {
	Op    string `json:"op"`
	ReqID string `json:"req_id,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`

	ConnID  uint64           `json:"conn_id,omitempty"`
	Offset  uint64           `json:"offset,omitempty"`
	Message *types.Message   `json:"message,omitempty"`
	Flags   types.NameFlags  `json:"name_flags,omitempty"`
	Names   []names.Listing  `json:"names,omitempty"`
	Info    []byte           `json:"info,omitempty"`
}

// errKind maps an engine error chain to its wire kind string.
func errKind(err error) string {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, errs.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, errs.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, errs.ErrBusy):
		return "busy"
	case errors.Is(err, errs.ErrIDMismatch):
		return "id_mismatch"
	case errors.Is(err, errs.ErrStartRefused):
		return "start_refused"
	case errors.Is(err, errs.ErrCommunication):
		return "communication"
	case errors.Is(err, errs.ErrOutOfSpace):
		return "out_of_space"
	case errors.Is(err, errs.ErrFull):
		return "full"
	case errors.Is(err, errs.ErrConnectionReset):
		return "connection_reset"
	case errors.Is(err, errs.ErrBrokenPipe):
		return "broken_pipe"
	case errors.Is(err, errs.ErrTimedOut):
		return "timed_out"
	case errors.Is(err, errs.ErrCancelled):
		return "cancelled"
	case errors.Is(err, errs.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, errs.ErrAlreadyDone):
		return "already_done"
	case errors.Is(err, errs.ErrShutdown):
		return "shutdown"
	case errors.Is(err, errs.ErrEmpty):
		return "empty"
	case errors.Is(err, errs.ErrUnsupported):
		return "unsupported"
	default:
		return "internal"
	}
}

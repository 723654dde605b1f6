package mdmbridge

// Pipe identifies one of the modem-facing endpoints of a channel.
type Pipe uint8

const (
	// PipeInterrupt carries notifications from the modem (interrupt IN)
	PipeInterrupt Pipe = iota
	// PipeControlOut carries class requests to the modem
	PipeControlOut
	// PipeControlIn fetches encapsulated responses from the modem
	PipeControlIn
	// PipeBulkIn carries payload from the modem
	PipeBulkIn
	// PipeBulkOut carries payload to the modem
	PipeBulkOut
)

// String returns a human-readable pipe name.
func (p Pipe) String() string {
	switch p {
	case PipeInterrupt:
		return "interrupt"
	case PipeControlOut:
		return "control-out"
	case PipeControlIn:
		return "control-in"
	case PipeBulkIn:
		return "bulk-in"
	case PipeBulkOut:
		return "bulk-out"
	default:
		return "unknown"
	}
}

// Status is the completion status of a transport operation.
type Status int

// Completion status values.
const (
	StatusOK        Status = iota // Operation completed
	StatusError                   // Generic transfer failure
	StatusStall                   // Pipe halted
	StatusCancelled               // Operation cancelled
	StatusNoDevice                // Device went away
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusStall:
		return "stall"
	case StatusCancelled:
		return "cancelled"
	case StatusNoDevice:
		return "no-device"
	default:
		return "unknown"
	}
}

// Err returns the error corresponding to the status, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusStall:
		return ErrStall
	case StatusCancelled:
		return ErrCancelled
	case StatusNoDevice:
		return ErrNoDevice
	default:
		return ErrTransport
	}
}

// OpHandle identifies a submitted transport operation.
type OpHandle uint64

// Completion is delivered once for every successfully submitted operation.
type Completion struct {
	Handle OpHandle
	Status Status
	// N is the number of bytes transferred
	N int
}

// CompletionFunc receives operation completions. It may be called from any
// goroutine, including from within SubmitRead/SubmitWrite.
type CompletionFunc func(Completion)

// Transport is the modem-facing side of the bridge. Implementations must
// call done exactly once for every operation they accepted (returned a nil
// error for), including cancelled ones. Buffers passed to Submit* belong to
// the transport until done has been called.
//
// Submission errors should be ErrTransportBusy when retrying may succeed and
// ErrNoDevice when the channel is gone.
type Transport interface {
	SubmitRead(id ChannelID, pipe Pipe, buf []byte, done CompletionFunc) (OpHandle, error)
	SubmitWrite(id ChannelID, pipe Pipe, buf []byte, done CompletionFunc) (OpHandle, error)
	// Cancel requests cancellation. The operation still completes through
	// its CompletionFunc, normally with StatusCancelled.
	Cancel(h OpHandle) error
}

// HaltClearer is implemented by transports that can recover a stalled pipe.
type HaltClearer interface {
	ClearHalt(id ChannelID, pipe Pipe) error
}

package mdmbridge

import "errors"

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrInvalidConfig is returned when watermarks or pool sizes are inconsistent
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidChannel is returned for channel ids outside [0, MaxChannels)
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrNotOpen is returned when operating on a channel that has no open session
	ErrNotOpen = errors.New("channel not open")
	// ErrAlreadyOpen is returned when opening a channel that already has a session
	ErrAlreadyOpen = errors.New("channel already open")
	// ErrThrottled is returned by Transmit while TX_THROTTLED is set.
	// It is also returned by a consumer's SendPacket to ask for rx throttling.
	ErrThrottled = errors.New("throttled")
	// ErrTransportBusy is returned when the transport rejects a submission; callers may retry
	ErrTransportBusy = errors.New("transport busy")
	// ErrCancelled is reported for operations aborted by close or disconnect
	ErrCancelled = errors.New("operation cancelled")
	// ErrChannelLost is returned once the transport under a channel has gone away
	ErrChannelLost = errors.New("channel lost")
	// ErrTimeout is returned when close could not drain the transport in time
	ErrTimeout = errors.New("drain timeout")
	// ErrDegraded is returned by Transmit after rx re-arm retries were exhausted
	ErrDegraded = errors.New("channel degraded")
)

// Transport level errors, mapped from completion statuses.
var (
	// ErrNoDevice indicates the transport has no device behind the pipe
	ErrNoDevice = errors.New("device not present")
	// ErrStall indicates the pipe is halted and needs a clear-halt
	ErrStall = errors.New("pipe stalled")
	// ErrTransport is a generic transfer failure
	ErrTransport = errors.New("transfer failed")
	// ErrShortMessage is returned when a control message is truncated
	ErrShortMessage = errors.New("control message too short")
)

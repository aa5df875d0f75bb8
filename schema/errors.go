package schema

import "errors"

var (
	// ErrInvalidMessage indicates a frame that could not be decoded.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownEventType indicates a sequenced event with an unrecognised type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMissingSession indicates a payload without a session id.
	ErrMissingSession = errors.New("missing session id")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrInvalidRoot indicates an empty tab root path.
	ErrInvalidRoot = errors.New("invalid tab root")
	// ErrInvalidSegment indicates a segment without a session id or with an unknown reason.
	ErrInvalidSegment = errors.New("invalid segment")
	// ErrJobNotFound indicates a requested job could not be found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRunning indicates a job already reached a terminal state.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrJobExists indicates a job id was started twice.
	ErrJobExists = errors.New("job already exists")
	// ErrNotConnected indicates the gateway socket is not open.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrConnectFailed indicates reconnection gave up after the attempt ceiling.
	ErrConnectFailed = errors.New("failed to connect to gateway")
)

package schema

import "github.com/google/uuid"

// SessionID identifies a remote agent session.
type SessionID string

// ProjectID identifies the project a session or job belongs to.
type ProjectID string

// TabID identifies a stable operator-facing tab.
type TabID string

// JobID identifies a one-shot background job.
type JobID string

// RequestID correlates an outbound request with its inbound acknowledgement.
type RequestID string

// CommanderSessionID is the sequencer key used for the commander conversation.
const CommanderSessionID SessionID = "commander"

// NewTabID returns a random tab id.
func NewTabID() TabID {
	return TabID(uuid.New().String())
}

// NewRequestID returns a random request id.
func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the wire discriminant carried in every frame's "type" field.
type MessageType string

// Inbound message types.
const (
	MsgFleetEvent         MessageType = "fleet.event"
	MsgSessionCreated     MessageType = "session.created"
	MsgSessionStatus      MessageType = "session.status"
	MsgSessionEnded       MessageType = "session.ended"
	MsgEvent              MessageType = "event"
	MsgJobStarted         MessageType = "job.started"
	MsgJobStream          MessageType = "job.stream"
	MsgJobCompleted       MessageType = "job.completed"
	MsgSessionsSnapshot   MessageType = "sessions.snapshot"
	MsgSessionsDiscovered MessageType = "sessions.discovered"
	MsgSessionsUpdated    MessageType = "sessions.updated"
	MsgSessionsRemoved    MessageType = "sessions.removed"
	MsgCommanderState     MessageType = "commander.state"
	MsgCommanderStdout    MessageType = "commander.stdout"
	MsgCommanderContent   MessageType = "commander.content"
	MsgSegmentRotated     MessageType = "tab.segment_rotated"
	MsgError              MessageType = "error"
	MsgPong               MessageType = "pong"
)

// Outbound message types.
const (
	MsgFleetSubscribe MessageType = "fleet.subscribe"
	MsgSessionsList   MessageType = "sessions.list"
	MsgSessionCreate  MessageType = "session.create"
	MsgSessionAttach  MessageType = "session.attach"
	MsgSessionDetach  MessageType = "session.detach"
	MsgSessionStdin   MessageType = "session.stdin"
	MsgSessionSignal  MessageType = "session.signal"
	MsgSessionResize  MessageType = "session.resize"
	MsgJobCreate      MessageType = "job.create"
	MsgJobCancel      MessageType = "job.cancel"
	MsgPing           MessageType = "ping"
)

// Message is a decoded inbound frame. The body stays raw until a handler
// decodes it into the payload for its type.
type Message struct {
	Type MessageType
	Raw  json.RawMessage
}

// DecodeMessage parses the discriminant of a frame.
func DecodeMessage(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if head.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return Message{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the frame body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// Inbound payloads.

// FleetEventMessage carries one append-only audit event.
type FleetEventMessage struct {
	Event AuditEvent `json:"event"`
}

// SessionCreatedMessage reports a shell session spawned by the gateway.
type SessionCreatedMessage struct {
	SessionID SessionID `json:"session_id"`
	ProjectID ProjectID `json:"project_id,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

// SessionStatusMessage reports a live status change for a tracked session.
type SessionStatusMessage struct {
	SessionID SessionID  `json:"session_id"`
	Status    LiveStatus `json:"status"`
}

// SessionEndedMessage reports a shell session exit.
type SessionEndedMessage struct {
	SessionID SessionID `json:"session_id"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
}

// EventMessage carries one sequenced session event.
type EventMessage struct {
	SessionID SessionID       `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Event     json.RawMessage `json:"event"`
}

// Sequenced decodes the event body into a SequencedEvent.
func (m EventMessage) Sequenced() (SequencedEvent, error) {
	if m.SessionID == "" {
		return SequencedEvent{}, ErrMissingSession
	}
	payload, err := DecodeEventPayload(m.Event)
	if err != nil {
		return SequencedEvent{}, err
	}
	return SequencedEvent{
		Seq:       m.Seq,
		SessionID: m.SessionID,
		Timestamp: m.Timestamp,
		Payload:   payload,
	}, nil
}

// JobStartedMessage reports a job accepted by the gateway.
type JobStartedMessage struct {
	JobID     JobID     `json:"job_id"`
	RequestID RequestID `json:"request_id,omitempty"`
	ProjectID ProjectID `json:"project_id,omitempty"`
	JobType   string    `json:"job_type,omitempty"`
}

// JobStreamMessage carries one streamed job chunk.
type JobStreamMessage struct {
	JobID JobID    `json:"job_id"`
	Chunk JobChunk `json:"chunk"`
}

// JobCompletedMessage reports the terminal outcome of a job.
type JobCompletedMessage struct {
	JobID  JobID           `json:"job_id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SessionsSnapshotMessage replaces the tracked session set.
type SessionsSnapshotMessage struct {
	Sessions []TrackedSession `json:"sessions"`
}

// SessionUpsertMessage carries a discovered or updated session.
type SessionUpsertMessage struct {
	Session TrackedSession `json:"session"`
}

// SessionRemovedMessage removes a tracked session.
type SessionRemovedMessage struct {
	SessionID SessionID `json:"session_id"`
}

// CommanderStateMessage reports the commander conversation state.
type CommanderStateMessage struct {
	State CommanderState `json:"state"`
}

// CommanderEventMessage carries a sequenced commander stdout or content event.
type CommanderEventMessage struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Event     json.RawMessage `json:"event"`
}

// SegmentRotatedMessage reports that a tab moved onto a new underlying session.
type SegmentRotatedMessage struct {
	TabID   TabID   `json:"tab_id"`
	Segment Segment `json:"segment"`
}

// ErrorMessage is an application-level error from the gateway.
type ErrorMessage struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Timestamp time.Time `json:"ts"`
}

// Outbound payloads.

// FleetSubscribeRequest subscribes to the audit stream from a cursor.
type FleetSubscribeRequest struct {
	Type        MessageType `json:"type"`
	FromEventID int64       `json:"from_event_id"`
}

// NewFleetSubscribe builds a fleet.subscribe request.
func NewFleetSubscribe(cursor int64) FleetSubscribeRequest {
	return FleetSubscribeRequest{Type: MsgFleetSubscribe, FromEventID: cursor}
}

// TypedRequest is an outbound frame without a body.
type TypedRequest struct {
	Type MessageType `json:"type"`
}

// NewSessionsList builds a sessions.list request.
func NewSessionsList() TypedRequest {
	return TypedRequest{Type: MsgSessionsList}
}

// NewPing builds a ping request.
func NewPing() TypedRequest {
	return TypedRequest{Type: MsgPing}
}

// SessionCreateRequest asks the gateway to spawn a shell session.
type SessionCreateRequest struct {
	Type      MessageType `json:"type"`
	ProjectID ProjectID   `json:"project_id,omitempty"`
	Cwd       string      `json:"cwd"`
	Cols      int         `json:"cols,omitempty"`
	Rows      int         `json:"rows,omitempty"`
}

// SessionRequest targets a session without further arguments (attach, detach).
type SessionRequest struct {
	Type      MessageType `json:"type"`
	SessionID SessionID   `json:"session_id"`
}

// NewSessionAttach builds a session.attach request.
func NewSessionAttach(id SessionID) SessionRequest {
	return SessionRequest{Type: MsgSessionAttach, SessionID: id}
}

// NewSessionDetach builds a session.detach request.
func NewSessionDetach(id SessionID) SessionRequest {
	return SessionRequest{Type: MsgSessionDetach, SessionID: id}
}

// SessionStdinRequest writes input to a shell session.
type SessionStdinRequest struct {
	Type      MessageType `json:"type"`
	SessionID SessionID   `json:"session_id"`
	Data      string      `json:"data"`
}

// SessionSignalRequest delivers a signal to a shell session.
type SessionSignalRequest struct {
	Type      MessageType `json:"type"`
	SessionID SessionID   `json:"session_id"`
	Signal    string      `json:"signal"`
}

// SessionResizeRequest resizes a shell session's terminal.
type SessionResizeRequest struct {
	Type      MessageType `json:"type"`
	SessionID SessionID   `json:"session_id"`
	Cols      int         `json:"cols"`
	Rows      int         `json:"rows"`
}

// JobCreateRequest submits a job.
type JobCreateRequest struct {
	Type      MessageType     `json:"type"`
	RequestID RequestID       `json:"request_id"`
	JobType   string          `json:"job_type"`
	ProjectID ProjectID       `json:"project_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// JobCancelRequest asks the gateway to cancel a running job.
type JobCancelRequest struct {
	Type  MessageType `json:"type"`
	JobID JobID       `json:"job_id"`
}

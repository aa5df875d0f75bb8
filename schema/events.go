package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the discriminant of a sequenced session event body.
type EventType string

const (
	// EventStdout carries raw terminal output.
	EventStdout EventType = "stdout"
	// EventTool carries a tool invocation phase (pre or post).
	EventTool EventType = "tool"
	// EventText carries assistant text.
	EventText EventType = "text"
	// EventThinking carries model reasoning.
	EventThinking EventType = "thinking"
	// EventProgress carries a progress notice.
	EventProgress EventType = "progress"
	// EventStatusChange carries a session status transition.
	EventStatusChange EventType = "status_change"
)

// ToolPhase distinguishes the two halves of a tool invocation.
type ToolPhase string

const (
	// ToolPhasePre marks the start of a tool call.
	ToolPhasePre ToolPhase = "pre"
	// ToolPhasePost marks the completion of a tool call.
	ToolPhasePost ToolPhase = "post"
)

// SequencedEvent is one immutable, per-session sequence-numbered event.
type SequencedEvent struct {
	Seq       uint64
	SessionID SessionID
	Timestamp time.Time
	Payload   EventPayload
}

// EventPayload is the closed set of event bodies. Only types in this package
// implement it.
type EventPayload interface {
	EventType() EventType
	sealedEvent()
}

// StdoutEvent is raw terminal output.
type StdoutEvent struct {
	Data string `json:"data"`
}

// ToolEvent is one phase of a tool invocation.
type ToolEvent struct {
	Phase      ToolPhase       `json:"phase"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
}

// TextEvent is assistant text.
type TextEvent struct {
	Text string `json:"text"`
}

// ThinkingEvent is model reasoning.
type ThinkingEvent struct {
	Thinking string `json:"thinking"`
}

// ProgressEvent is a progress notice emitted by hooks or tools.
type ProgressEvent struct {
	Label    string `json:"label,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// StatusChangeEvent is a session status transition.
type StatusChangeEvent struct {
	From LiveStatus `json:"from,omitempty"`
	To   LiveStatus `json:"to"`
}

func (StdoutEvent) EventType() EventType       { return EventStdout }
func (ToolEvent) EventType() EventType         { return EventTool }
func (TextEvent) EventType() EventType         { return EventText }
func (ThinkingEvent) EventType() EventType     { return EventThinking }
func (ProgressEvent) EventType() EventType     { return EventProgress }
func (StatusChangeEvent) EventType() EventType { return EventStatusChange }

func (StdoutEvent) sealedEvent()       {}
func (ToolEvent) sealedEvent()         {}
func (TextEvent) sealedEvent()         {}
func (ThinkingEvent) sealedEvent()     {}
func (ProgressEvent) sealedEvent()     {}
func (StatusChangeEvent) sealedEvent() {}

// DecodeEventPayload decodes an event body using its "type" field.
func DecodeEventPayload(raw json.RawMessage) (EventPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty event", ErrInvalidMessage)
	}
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch head.Type {
	case EventStdout:
		return decodeInto[StdoutEvent](raw)
	case EventTool:
		event, err := decodeInto[ToolEvent](raw)
		if err != nil {
			return nil, err
		}
		tool := event.(ToolEvent)
		if tool.Phase != ToolPhasePre && tool.Phase != ToolPhasePost {
			return nil, fmt.Errorf("%w: tool phase %q", ErrInvalidMessage, tool.Phase)
		}
		return tool, nil
	case EventText:
		return decodeInto[TextEvent](raw)
	case EventThinking:
		return decodeInto[ThinkingEvent](raw)
	case EventProgress:
		return decodeInto[ProgressEvent](raw)
	case EventStatusChange:
		return decodeInto[StatusChangeEvent](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, head.Type)
	}
}

func decodeInto[T EventPayload](raw json.RawMessage) (EventPayload, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return out, nil
}

// EncodeEventPayload renders a payload back into its wire shape.
func EncodeEventPayload(payload EventPayload) (json.RawMessage, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidMessage)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(payload.EventType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

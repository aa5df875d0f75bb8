package timeline

import (
	"encoding/json"
	"time"

	"pkt.systems/fleetconsole/schema"
)

// Kind identifies a render-ready timeline item.
type Kind string

const (
	KindToolGroup    Kind = "tool_group"
	KindText         Kind = "text"
	KindThinking     Kind = "thinking"
	KindStdout       Kind = "stdout"
	KindProgress     Kind = "progress"
	KindStatusChange Kind = "status_change"
)

// Item is one grouped timeline entry. The set of implementations is closed.
type Item interface {
	Kind() Kind
	sealedItem()
}

// ToolGroup pairs a tool call's pre and post events with the output captured
// between them. A nil CompletedAt means the call is still running or was
// abandoned; Result and Success are nil in that case.
type ToolGroup struct {
	Seq         uint64
	ToolName    string
	Input       json.RawMessage
	Result      json.RawMessage
	Success     *bool
	StartedAt   time.Time
	CompletedAt *time.Time
	Output      []string
}

// Complete reports whether a post event closed the group.
func (g ToolGroup) Complete() bool {
	return g.CompletedAt != nil
}

// TextItem is assistant text.
type TextItem struct {
	Seq       uint64
	Timestamp time.Time
	Text      string
}

// ThinkingItem is model reasoning.
type ThinkingItem struct {
	Seq       uint64
	Timestamp time.Time
	Thinking  string
}

// StdoutItem is terminal output not captured by a tool group.
type StdoutItem struct {
	Seq       uint64
	Timestamp time.Time
	Data      string
}

// ProgressItem is a progress notice.
type ProgressItem struct {
	Seq       uint64
	Timestamp time.Time
	Progress  schema.ProgressEvent
}

// StatusChangeItem is a session status transition.
type StatusChangeItem struct {
	Seq       uint64
	Timestamp time.Time
	From      schema.LiveStatus
	To        schema.LiveStatus
}

func (ToolGroup) Kind() Kind        { return KindToolGroup }
func (TextItem) Kind() Kind         { return KindText }
func (ThinkingItem) Kind() Kind     { return KindThinking }
func (StdoutItem) Kind() Kind       { return KindStdout }
func (ProgressItem) Kind() Kind     { return KindProgress }
func (StatusChangeItem) Kind() Kind { return KindStatusChange }

func (ToolGroup) sealedItem()        {}
func (TextItem) sealedItem()         {}
func (ThinkingItem) sealedItem()     {}
func (StdoutItem) sealedItem()       {}
func (ProgressItem) sealedItem()     {}
func (StatusChangeItem) sealedItem() {}

// Group folds an ordered event slice into timeline items. It carries a single
// pending tool accumulator:
//
//	event          | no pending             | pending
//	---------------+------------------------+-------------------------------
//	tool pre       | open                   | flush incomplete, open
//	tool post      | emit orphan group      | close into completed group
//	stdout         | emit stdout            | append to pending output
//	text           | emit text              | flush incomplete, emit text
//	thinking       | emit thinking          | emit thinking, keep pending
//	progress       | emit progress          | emit progress
//	status_change  | emit status change     | emit status change
//	end of input   | -                      | flush incomplete
//
// Group is pure: the same input always yields the same output.
func Group(events []schema.SequencedEvent) []Item {
	out := make([]Item, 0, len(events))
	var pending *ToolGroup
	flush := func() {
		if pending == nil {
			return
		}
		out = append(out, *pending)
		pending = nil
	}
	for _, event := range events {
		switch payload := event.Payload.(type) {
		case schema.ToolEvent:
			switch payload.Phase {
			case schema.ToolPhasePre:
				flush()
				pending = &ToolGroup{
					Seq:       event.Seq,
					ToolName:  payload.ToolName,
					Input:     cloneRaw(payload.ToolInput),
					StartedAt: event.Timestamp,
					Output:    []string{},
				}
			case schema.ToolPhasePost:
				completedAt := event.Timestamp
				group := ToolGroup{
					Seq:       event.Seq,
					ToolName:  payload.ToolName,
					Input:     cloneRaw(payload.ToolInput),
					StartedAt: event.Timestamp,
					Output:    []string{},
				}
				if pending != nil {
					group = *pending
					pending = nil
					if group.ToolName == "" {
						group.ToolName = payload.ToolName
					}
				}
				group.Result = cloneRaw(payload.ToolResult)
				group.Success = cloneBool(payload.OK)
				group.CompletedAt = &completedAt
				out = append(out, group)
			}
		case schema.StdoutEvent:
			if pending != nil {
				pending.Output = append(pending.Output, payload.Data)
				continue
			}
			out = append(out, StdoutItem{Seq: event.Seq, Timestamp: event.Timestamp, Data: payload.Data})
		case schema.TextEvent:
			flush()
			out = append(out, TextItem{Seq: event.Seq, Timestamp: event.Timestamp, Text: payload.Text})
		case schema.ThinkingEvent:
			out = append(out, ThinkingItem{Seq: event.Seq, Timestamp: event.Timestamp, Thinking: payload.Thinking})
		case schema.ProgressEvent:
			out = append(out, ProgressItem{Seq: event.Seq, Timestamp: event.Timestamp, Progress: payload})
		case schema.StatusChangeEvent:
			out = append(out, StatusChangeItem{Seq: event.Seq, Timestamp: event.Timestamp, From: payload.From, To: payload.To})
		}
	}
	flush()
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

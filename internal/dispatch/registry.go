package dispatch

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/fleetconsole/internal/eventbus"
	"pkt.systems/fleetconsole/internal/gateway"
	"pkt.systems/fleetconsole/schema"
)

// Handler applies one message kind to the targets. Handlers do no I/O.
type Handler func(t *Targets, msg schema.Message) error

// Registry maps message kinds to handlers.
type Registry map[schema.MessageType]Handler

// DefaultRegistry returns the handlers for every inbound kind the console consumes.
func DefaultRegistry() Registry {
	return Registry{
		schema.MsgFleetEvent:         handleFleetEvent,
		schema.MsgSessionCreated:     handleSessionCreated,
		schema.MsgSessionStatus:      handleSessionStatus,
		schema.MsgSessionEnded:       handleSessionEnded,
		schema.MsgEvent:              handleEvent,
		schema.MsgJobStarted:         handleJobStarted,
		schema.MsgJobStream:          handleJobStream,
		schema.MsgJobCompleted:       handleJobCompleted,
		schema.MsgSessionsSnapshot:   handleSessionsSnapshot,
		schema.MsgSessionsDiscovered: handleSessionUpsert,
		schema.MsgSessionsUpdated:    handleSessionUpsert,
		schema.MsgSessionsRemoved:    handleSessionRemoved,
		schema.MsgCommanderState:     handleCommanderState,
		schema.MsgCommanderStdout:    handleCommanderEvent,
		schema.MsgCommanderContent:   handleCommanderEvent,
		schema.MsgSegmentRotated:     handleSegmentRotated,
		schema.MsgError:              handleError,
		schema.MsgPong:               handlePong,
	}
}

func handleFleetEvent(t *Targets, msg schema.Message) error {
	var payload schema.FleetEventMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.Event.EventID <= 0 {
		return fmt.Errorf("%w: fleet event without id", schema.ErrInvalidMessage)
	}
	if t.Audit.Append(payload.Event) {
		t.publish(eventbus.Event{Type: eventbus.EventAudit, Seq: uint64(payload.Event.EventID), State: payload.Event.EventType})
	}
	return nil
}

func handleSessionCreated(t *Targets, msg schema.Message) error {
	var payload schema.SessionCreatedMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.SessionID == "" {
		return schema.ErrMissingSession
	}
	t.Shells.Created(payload)
	t.publish(eventbus.Event{Type: eventbus.EventSession, SessionID: payload.SessionID, State: "created"})
	return nil
}

func handleSessionStatus(t *Targets, msg schema.Message) error {
	var payload schema.SessionStatusMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.SessionID == "" {
		return schema.ErrMissingSession
	}
	if t.Sessions.SetLive(payload.SessionID, payload.Status) {
		t.publish(eventbus.Event{Type: eventbus.EventSession, SessionID: payload.SessionID, State: string(payload.Status)})
	}
	return nil
}

func handleSessionEnded(t *Targets, msg schema.Message) error {
	var payload schema.SessionEndedMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.SessionID == "" {
		return schema.ErrMissingSession
	}
	t.Shells.Ended(payload)
	t.publish(eventbus.Event{Type: eventbus.EventSession, SessionID: payload.SessionID, State: "ended"})
	return nil
}

func handleEvent(t *Targets, msg schema.Message) error {
	var payload schema.EventMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	event, err := payload.Sequenced()
	if err != nil {
		return err
	}
	if !t.Events.Insert(event.SessionID, event) {
		return nil
	}
	if t.Tabs != nil {
		if tabID, ok := t.Tabs.TabForSession(event.SessionID); ok {
			_ = t.Tabs.Touch(tabID)
		}
	}
	t.publish(eventbus.Event{Type: eventbus.EventTimeline, SessionID: event.SessionID, Seq: event.Seq})
	return nil
}

func handleJobStarted(t *Targets, msg schema.Message) error {
	if t.Jobs == nil {
		return nil
	}
	var payload schema.JobStartedMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if _, err := t.Jobs.Start(payload); err != nil {
		return err
	}
	t.publish(eventbus.Event{Type: eventbus.EventJob, JobID: payload.JobID, State: string(schema.JobRunning)})
	return nil
}

func handleJobStream(t *Targets, msg schema.Message) error {
	if t.Jobs == nil {
		return nil
	}
	var payload schema.JobStreamMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if err := t.Jobs.AppendChunk(payload.JobID, payload.Chunk); err != nil {
		return err
	}
	t.publish(eventbus.Event{Type: eventbus.EventJob, JobID: payload.JobID, State: string(schema.JobRunning)})
	return nil
}

func handleJobCompleted(t *Targets, msg schema.Message) error {
	if t.Jobs == nil {
		return nil
	}
	var payload schema.JobCompletedMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	changed, err := t.Jobs.Complete(payload)
	if err != nil || !changed {
		return err
	}
	state := schema.JobCompleted
	if !payload.OK {
		state = schema.JobFailed
	}
	t.publish(eventbus.Event{Type: eventbus.EventJob, JobID: payload.JobID, State: string(state), Message: payload.Error})
	return nil
}

func handleSessionsSnapshot(t *Targets, msg schema.Message) error {
	var payload schema.SessionsSnapshotMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	for _, id := range t.Sessions.Replace(payload.Sessions) {
		t.Events.Drop(id)
		t.publish(eventbus.Event{Type: eventbus.EventSessionRemoved, SessionID: id})
	}
	for _, session := range payload.Sessions {
		t.publish(eventbus.Event{Type: eventbus.EventSession, SessionID: session.SessionID, State: string(session.Status)})
	}
	return nil
}

func handleSessionUpsert(t *Targets, msg schema.Message) error {
	var payload schema.SessionUpsertMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if err := t.Sessions.Upsert(payload.Session); err != nil {
		return err
	}
	t.publish(eventbus.Event{Type: eventbus.EventSession, SessionID: payload.Session.SessionID, State: string(payload.Session.Status)})
	return nil
}

func handleSessionRemoved(t *Targets, msg schema.Message) error {
	var payload schema.SessionRemovedMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.SessionID == "" {
		return schema.ErrMissingSession
	}
	if t.Sessions.Remove(payload.SessionID) {
		t.Events.Drop(payload.SessionID)
		t.publish(eventbus.Event{Type: eventbus.EventSessionRemoved, SessionID: payload.SessionID})
	}
	return nil
}

func handleCommanderState(t *Targets, msg schema.Message) error {
	var payload schema.CommanderStateMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	t.Commander.Set(payload.State)
	t.publish(eventbus.Event{Type: eventbus.EventCommander, SessionID: schema.CommanderSessionID, State: string(payload.State.Status)})
	return nil
}

func handleCommanderEvent(t *Targets, msg schema.Message) error {
	var payload schema.CommanderEventMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	event, err := schema.EventMessage{
		SessionID: schema.CommanderSessionID,
		Seq:       payload.Seq,
		Timestamp: payload.Timestamp,
		Event:     payload.Event,
	}.Sequenced()
	if err != nil {
		return err
	}
	if t.Events.Insert(schema.CommanderSessionID, event) {
		t.publish(eventbus.Event{Type: eventbus.EventTimeline, SessionID: schema.CommanderSessionID, Seq: event.Seq})
	}
	return nil
}

func handleSegmentRotated(t *Targets, msg schema.Message) error {
	if t.Tabs == nil {
		return nil
	}
	var payload schema.SegmentRotatedMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	tab, err := t.Tabs.Record(payload.TabID, payload.Segment)
	if err != nil {
		return err
	}
	t.publish(eventbus.Event{Type: eventbus.EventTab, TabID: tab.ID, SessionID: tab.SessionID(), State: string(payload.Segment.Reason)})
	return nil
}

func handleError(t *Targets, msg schema.Message) error {
	var payload schema.ErrorMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if payload.Message == "" {
		payload.Message = "gateway reported an error"
	}
	t.LastError.Set(payload)
	t.publish(eventbus.Event{Type: eventbus.EventError, State: payload.Code, Message: payload.Message})
	return nil
}

func handlePong(t *Targets, msg schema.Message) error {
	var payload schema.PongMessage
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	at := payload.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.LastPong.Set(at)
	return nil
}

// ConnectionEvent converts a gateway status change into a bus notification.
// A terminal connect failure is also recorded as the last error.
func (t *Targets) ConnectionEvent(event gateway.StatusEvent) {
	note := eventbus.Event{Type: eventbus.EventConnection, State: string(event.State)}
	if event.Err != nil {
		note.Message = event.Err.Error()
	}
	if event.State == gateway.StateFailed && errors.Is(event.Err, schema.ErrConnectFailed) {
		t.LastError.Set(schema.ErrorMessage{Code: "connect_failed", Message: event.Err.Error()})
	}
	t.publish(note)
}

package dispatch

import (
	"time"

	"pkt.systems/fleetconsole/internal/eventbus"
	"pkt.systems/fleetconsole/internal/jobs"
	"pkt.systems/fleetconsole/internal/tabs"
	"pkt.systems/fleetconsole/internal/timeline"
	"pkt.systems/fleetconsole/schema"
)

// Targets are the state slots handlers are allowed to mutate. Jobs, Tabs and
// Bus may be nil; handlers that need a nil target skip it.
type Targets struct {
	Sessions  *SessionStore
	Shells    *ShellStore
	Commander Value[schema.CommanderState]
	LastError Value[schema.ErrorMessage]
	LastPong  Value[time.Time]
	Events    *timeline.Sequencer
	Audit     *timeline.AuditLog
	Jobs      *jobs.Controller
	Tabs      *tabs.Manager
	Bus       *eventbus.Bus
}

// NewTargets returns targets with fresh stores and buffers.
func NewTargets(sessionEventCap, auditEventCap int) *Targets {
	return &Targets{
		Sessions: NewSessionStore(),
		Shells:   NewShellStore(),
		Events:   timeline.NewSequencer(sessionEventCap),
		Audit:    timeline.NewAuditLog(auditEventCap),
	}
}

func (t *Targets) publish(event eventbus.Event) {
	if t.Bus != nil {
		t.Bus.Publish(event)
	}
}

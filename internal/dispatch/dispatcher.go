// Package dispatch routes decoded gateway messages to the handler for their
// kind. Handlers only mutate the Targets they are given.
package dispatch

import (
	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// Dispatcher applies messages to targets through a registry.
type Dispatcher struct {
	registry Registry
	targets  *Targets
	log      pslog.Logger
}

// New constructs a dispatcher. A nil registry uses DefaultRegistry.
func New(targets *Targets, registry Registry, logger pslog.Logger) *Dispatcher {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Dispatcher{registry: registry, targets: targets, log: logx.Or(logger)}
}

// Targets returns the dispatcher's state slots.
func (d *Dispatcher) Targets() *Targets {
	return d.targets
}

// Dispatch routes msg. Unknown kinds are ignored; handler failures are logged
// and never returned.
func (d *Dispatcher) Dispatch(msg schema.Message) {
	handler, ok := d.registry[msg.Type]
	if !ok {
		d.log.Debug("dispatch ignored unknown message", "type", msg.Type)
		return
	}
	if err := handler(d.targets, msg); err != nil {
		d.log.Warn("dispatch handler failed", "type", msg.Type, "err", err)
	}
}

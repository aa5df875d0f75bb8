// Package status reconciles the live session status with the richer,
// possibly stale, status an agent writes to its status file.
package status

import (
	"time"

	"pkt.systems/fleetconsole/schema"
)

// DefaultTTL is how long a file status record is trusted after its update.
const DefaultTTL = schema.DefaultFileStatusTTL

// Effective is the status actually shown for a session.
type Effective struct {
	UI         schema.LiveStatus
	FileStatus *schema.FileStatusValue
	Fresh      bool
}

// Resolver picks between file status and live status.
type Resolver struct {
	TTL time.Duration
	Now func() time.Time
}

// NewResolver returns a resolver with the given TTL (DefaultTTL when <= 0).
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{TTL: ttl, Now: time.Now}
}

// Resolve returns the effective status of session. A file status record wins
// while it is younger than the TTL; otherwise the live status is used verbatim.
func (r *Resolver) Resolve(session schema.TrackedSession) Effective {
	ttl := DefaultTTL
	now := time.Now
	if r != nil {
		if r.TTL > 0 {
			ttl = r.TTL
		}
		if r.Now != nil {
			now = r.Now
		}
	}
	if fs := session.FileStatus; fs != nil && fs.Status.Valid() && !fs.UpdatedAt.IsZero() {
		if now().Sub(fs.UpdatedAt) < ttl {
			value := fs.Status
			return Effective{UI: MapFileStatus(value), FileStatus: &value, Fresh: true}
		}
	}
	return Effective{UI: session.Status}
}

// MapFileStatus folds the seven file status values onto the three UI states.
func MapFileStatus(value schema.FileStatusValue) schema.LiveStatus {
	switch value {
	case schema.FileWorking:
		return schema.LiveWorking
	case schema.FileWaitingForApproval, schema.FileWaitingForInput:
		return schema.LiveWaiting
	default:
		return schema.LiveIdle
	}
}

package schema

import (
	"encoding/json"
	"time"
)

// SegmentReason records why a segment started.
type SegmentReason string

const (
	SegmentStartup SegmentReason = "startup"
	SegmentResume  SegmentReason = "resume"
	SegmentCompact SegmentReason = "compact"
	SegmentClear   SegmentReason = "clear"
)

// Valid reports whether r is a known segment reason.
func (r SegmentReason) Valid() bool {
	switch r {
	case SegmentStartup, SegmentResume, SegmentCompact, SegmentClear:
		return true
	}
	return false
}

// SegmentTrigger records whether a rotation was automatic or operator-driven.
type SegmentTrigger string

const (
	TriggerAuto   SegmentTrigger = "auto"
	TriggerManual SegmentTrigger = "manual"
)

// Segment is one continuous span of an underlying session within a tab.
type Segment struct {
	SessionID      SessionID      `json:"session_id"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Reason         SegmentReason  `json:"reason"`
	Trigger        SegmentTrigger `json:"trigger,omitempty"`
}

// Active reports whether the segment has not been closed.
func (s Segment) Active() bool {
	return s.EndedAt == nil
}

// TabSnapshot is a read-only view of a tab. ActiveIndex is -1 when the tab
// has no segments.
type TabSnapshot struct {
	ID             TabID     `json:"id"`
	RootPath       string    `json:"root_path"`
	Segments       []Segment `json:"segments"`
	ActiveIndex    int       `json:"active_index"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ActiveSegment returns the active segment, if any.
func (t TabSnapshot) ActiveSegment() (Segment, bool) {
	if t.ActiveIndex < 0 || t.ActiveIndex >= len(t.Segments) {
		return Segment{}, false
	}
	return t.Segments[t.ActiveIndex], true
}

// SessionID returns the underlying session currently backing the tab.
func (t TabSnapshot) SessionID() SessionID {
	seg, ok := t.ActiveSegment()
	if !ok {
		return ""
	}
	return seg.SessionID
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobChunk is one streamed fragment of job output.
type JobChunk struct {
	Type string          `json:"type,omitempty"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JobSnapshot is a read-only view of a job.
type JobSnapshot struct {
	ID        JobID           `json:"id"`
	RequestID RequestID       `json:"request_id,omitempty"`
	ProjectID ProjectID       `json:"project_id,omitempty"`
	JobType   string          `json:"job_type,omitempty"`
	Status    JobStatus       `json:"status"`
	Chunks    []JobChunk      `json:"chunks"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

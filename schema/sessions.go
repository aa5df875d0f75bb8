package schema

import (
	"encoding/json"
	"time"
)

// LiveStatus is the coarse status reported by the session supervisor.
type LiveStatus string

const (
	// LiveWorking indicates the agent is processing.
	LiveWorking LiveStatus = "working"
	// LiveWaiting indicates the agent is waiting on the operator.
	LiveWaiting LiveStatus = "waiting"
	// LiveIdle indicates the agent is idle.
	LiveIdle LiveStatus = "idle"
)

// FileStatusValue is the richer status an agent writes to its status file.
type FileStatusValue string

const (
	FileWorking            FileStatusValue = "working"
	FileWaitingForApproval FileStatusValue = "waiting_for_approval"
	FileWaitingForInput    FileStatusValue = "waiting_for_input"
	FileCompleted          FileStatusValue = "completed"
	FileError              FileStatusValue = "error"
	FileBlocked            FileStatusValue = "blocked"
	FileIdle               FileStatusValue = "idle"
)

// Valid reports whether v is one of the known file status values.
func (v FileStatusValue) Valid() bool {
	switch v {
	case FileWorking, FileWaitingForApproval, FileWaitingForInput,
		FileCompleted, FileError, FileBlocked, FileIdle:
		return true
	}
	return false
}

// FileStatus is an externally reported status record with its own timestamp.
type FileStatus struct {
	Status    FileStatusValue `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
	Task      string          `json:"task,omitempty"`
	Summary   string          `json:"summary,omitempty"`
}

// TrackedSession is the console's snapshot of a remote agent session.
type TrackedSession struct {
	SessionID      SessionID   `json:"session_id"`
	ProjectID      ProjectID   `json:"project_id,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`
	Status         LiveStatus  `json:"status"`
	Source         string      `json:"source,omitempty"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	FileStatus     *FileStatus `json:"file_status,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s TrackedSession) Clone() TrackedSession {
	if s.FileStatus != nil {
		fs := *s.FileStatus
		s.FileStatus = &fs
	}
	return s
}

// ShellSession tracks an interactive shell spawned through the gateway.
type ShellSession struct {
	SessionID SessionID `json:"session_id"`
	ProjectID ProjectID `json:"project_id,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Ended     bool      `json:"ended"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
}

// CommanderStatus describes the commander conversation.
type CommanderStatus string

const (
	CommanderIdle            CommanderStatus = "idle"
	CommanderWorking         CommanderStatus = "working"
	CommanderWaitingForInput CommanderStatus = "waiting_for_input"
)

// CommanderState is the commander conversation snapshot.
type CommanderState struct {
	Status      CommanderStatus `json:"status"`
	SessionID   SessionID       `json:"session_id,omitempty"`
	PromptCount int             `json:"prompt_count"`
}

// AuditEvent is one entry of the append-only fleet audit stream.
type AuditEvent struct {
	EventID   int64           `json:"event_id"`
	Timestamp time.Time       `json:"ts"`
	ProjectID ProjectID       `json:"project_id,omitempty"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

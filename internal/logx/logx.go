package logx

import (
	"context"

	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// Or returns log, or the background context logger when log is nil.
func Or(log pslog.Logger) pslog.Logger {
	if log != nil {
		return log
	}
	return pslog.Ctx(context.Background())
}

// WithSession annotates the logger with the session id unless the context already carries it.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithTab annotates the logger with the tab id unless the context already carries it.
func WithTab(ctx context.Context, tabID schema.TabID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithJob annotates the logger with a job id when available.
func WithJob(log pslog.Logger, jobID schema.JobID) pslog.Logger {
	log = Or(log)
	if jobID != "" {
		log = log.With("job", jobID)
	}
	return log
}

// WithProject annotates the logger with a project id when available.
func WithProject(log pslog.Logger, projectID schema.ProjectID) pslog.Logger {
	log = Or(log)
	if projectID != "" {
		log = log.With("project", projectID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithTabLogger attaches the logger and tab marker to the context.
func ContextWithTabLogger(ctx context.Context, log pslog.Logger, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTab(ctx, tabID)
}

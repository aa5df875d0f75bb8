package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/fleetconsole"
	"pkt.systems/fleetconsole/internal/eventbus"
	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/internal/timeline"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var markersDir string
	var markersInterval time.Duration
	var session string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the gateway and log session, timeline and job changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			console, closeFn, err := openConsole(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			events, unsubscribe := console.Subscribe(schema.SessionID(session))
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				w := newWatcher(console, pslog.Ctx(gctx))
				for event := range events {
					w.handle(gctx, event)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				unsubscribe()
				return nil
			})
			if markersDir != "" {
				g.Go(func() error {
					return watchMarkers(gctx, console, markersDir, markersInterval)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&markersDir, "markers", "", "project directory to poll for compaction markers")
	cmd.Flags().DurationVar(&markersInterval, "markers-interval", 5*time.Second, "compaction marker poll interval")
	cmd.Flags().StringVar(&session, "session", "", "only follow one session")
	return cmd
}

// watcher logs console changes, deduplicating status logs per session.
type watcher struct {
	console *fleetconsole.Console
	log     pslog.Logger
	status  map[schema.SessionID]schema.LiveStatus
}

func newWatcher(console *fleetconsole.Console, log pslog.Logger) *watcher {
	return &watcher{console: console, log: log, status: make(map[schema.SessionID]schema.LiveStatus)}
}

func (w *watcher) handle(ctx context.Context, event eventbus.Event) {
	switch event.Type {
	case eventbus.EventConnection:
		w.log.Info("gateway state", "state", event.State, "err", event.Message)
	case eventbus.EventSession:
		effective, ok := w.console.EffectiveStatus(event.SessionID)
		if !ok {
			return
		}
		if w.status[event.SessionID] == effective.UI {
			return
		}
		w.status[event.SessionID] = effective.UI
		logx.WithSession(pslog.ContextWithLogger(ctx, w.log), event.SessionID).Info("session status", "status", effective.UI, "fresh", effective.Fresh)
	case eventbus.EventSessionRemoved:
		delete(w.status, event.SessionID)
		logx.WithSession(pslog.ContextWithLogger(ctx, w.log), event.SessionID).Info("session removed")
	case eventbus.EventTimeline:
		items := w.console.Timeline(event.SessionID)
		if len(items) == 0 {
			return
		}
		logx.WithSession(pslog.ContextWithLogger(ctx, w.log), event.SessionID).Info("timeline", "seq", event.Seq, "items", len(items), "last", describeItem(items[len(items)-1]))
	case eventbus.EventJob:
		job, err := w.console.Job(event.JobID)
		if err != nil {
			return
		}
		logx.WithJob(w.log, job.ID).Info("job", "status", job.Status, "chunks", len(job.Chunks), "err", job.Error)
	case eventbus.EventTab:
		w.log.Info("tab rotated", "tab", event.TabID, "session", event.SessionID)
	case eventbus.EventCommander:
		if state, ok := w.console.Commander(); ok {
			w.log.Info("commander", "status", state.Status, "prompts", state.PromptCount)
		}
	case eventbus.EventAudit:
		w.log.Info("fleet event", "id", event.Seq, "type", event.State)
	case eventbus.EventError:
		w.log.Warn("gateway error", "msg", event.Message)
	}
}

// describeItem renders a one-line summary of a timeline item.
func describeItem(item timeline.Item) string {
	switch v := item.(type) {
	case timeline.ToolGroup:
		state := "running"
		if v.Complete() {
			state = "ok"
			if v.Success != nil && !*v.Success {
				state = "failed"
			}
		}
		return fmt.Sprintf("tool %s (%s, %d lines)", v.ToolName, state, len(v.Output))
	case timeline.TextItem:
		return "text: " + truncate(v.Text, 60)
	case timeline.ThinkingItem:
		return "thinking: " + truncate(v.Thinking, 60)
	case timeline.StdoutItem:
		return "stdout: " + truncate(v.Data, 60)
	case timeline.ProgressItem:
		return "progress: " + v.Progress.Label
	case timeline.StatusChangeItem:
		return fmt.Sprintf("status %s -> %s", v.From, v.To)
	}
	return string(item.Kind())
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func watchMarkers(ctx context.Context, console *fleetconsole.Console, dir string, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := pslog.Ctx(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		applied, err := console.ApplyCompactionMarkers(dir)
		if err != nil {
			log.Warn("compaction markers scan failed", "dir", dir, "err", err)
		} else if applied > 0 {
			log.Debug("compaction markers applied", "dir", dir, "count", applied)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

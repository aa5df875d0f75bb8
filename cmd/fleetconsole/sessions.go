package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/fleetconsole"
	"pkt.systems/fleetconsole/internal/eventbus"
)

const settleQuiet = 150 * time.Millisecond

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Print tracked sessions with their effective status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			console, closeFn, err := openConsole(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			events, unsubscribe := console.Subscribe("")
			defer unsubscribe()
			settle(ctx, events, eventbus.EventSession, wait)
			if msg, ok := console.LastError(); ok {
				return fmt.Errorf("%s: %s", msg.Code, msg.Message)
			}
			return writeSessions(cmd.OutOrStdout(), console.Sessions(), time.Now())
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to wait for the session snapshot")
	return cmd
}

// settle waits for the first event of the given type, then until the bus has
// been quiet briefly, or until timeout.
func settle(ctx context.Context, events <-chan eventbus.Event, want eventbus.EventType, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var quiet <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-quiet:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == eventbus.EventConnection && event.State == "failed" {
				return
			}
			if event.Type == want || quiet != nil {
				quiet = time.After(settleQuiet)
			}
		}
	}
}

func writeSessions(out io.Writer, sessions []fleetconsole.SessionView, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tSTATUS\tLIVE\tFILE\tACTIVE\tCWD")
	for _, view := range sessions {
		s := view.Session
		file := "-"
		if s.FileStatus != nil {
			file = string(s.FileStatus.Status)
			if !view.Status.Fresh {
				file += " (stale)"
			}
		}
		active := "-"
		if !s.LastActivityAt.IsZero() {
			active = now.Sub(s.LastActivityAt).Truncate(time.Second).String() + " ago"
		}
		project := string(s.ProjectID)
		if project == "" {
			project = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.SessionID, project, view.Status.UI, s.Status, file, active, s.Cwd)
	}
	return w.Flush()
}

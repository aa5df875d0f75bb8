package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/fleetconsole/internal/status"
	"pkt.systems/fleetconsole/internal/statusfile"
	"pkt.systems/fleetconsole/schema"
)

func newInspectCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "inspect <project-dir>",
		Short: "Show agent status files and compaction markers for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := statusfile.Scan(args[0])
			if err != nil {
				return err
			}
			markers, err := statusfile.Markers(args[0])
			if err != nil {
				return err
			}
			return writeInspect(cmd.OutOrStdout(), entries, markers, status.NewResolver(ttl))
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", schema.DefaultFileStatusTTL, "how long a status file is trusted")
	return cmd
}

func writeInspect(out io.Writer, entries []statusfile.Entry, markers []statusfile.CompactionMarker, resolver *status.Resolver) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tUI\tFRESH\tUPDATED\tTASK")
	for _, entry := range entries {
		if entry.Err != nil {
			fmt.Fprintf(w, "%s\tinvalid\t-\t-\t-\t%v\n", entry.SessionID, entry.Err)
			continue
		}
		fs := entry.Status
		effective := resolver.Resolve(schema.TrackedSession{SessionID: entry.SessionID, Status: schema.LiveIdle, FileStatus: &fs})
		task := fs.Task
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", entry.SessionID, fs.Status, effective.UI, effective.Fresh, fs.UpdatedAt.Format(time.RFC3339), task)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(markers) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPACTED\tNEW SESSION\tCWD")
	for _, marker := range markers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", marker.CompactedAt.Format(time.RFC3339), marker.NewSessionID, marker.Cwd)
	}
	return w.Flush()
}

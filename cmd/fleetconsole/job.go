package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/fleetconsole"
	"pkt.systems/fleetconsole/internal/eventbus"
	"pkt.systems/fleetconsole/internal/gateway"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

const cancelGrace = 5 * time.Second

func newJobCmd(opts *rootOptions) *cobra.Command {
	var project string
	var request string
	var connectTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "job <type>",
		Short: "Submit a job, stream its output and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if strings.TrimSpace(request) != "" {
				if !json.Valid([]byte(request)) {
					return errors.New("--request must be valid JSON")
				}
				raw = json.RawMessage(request)
			}
			ctx := cmd.Context()
			console, closeFn, err := openConsole(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			events, unsubscribe := console.Subscribe("")
			defer unsubscribe()
			if err := waitConnected(ctx, console, events, connectTimeout); err != nil {
				return err
			}
			requestID, err := console.SubmitJob(schema.ProjectID(project), args[0], raw)
			if err != nil {
				return err
			}
			pslog.Ctx(ctx).Info("job submitted", "request", requestID, "job_type", args[0])
			job, err := followJob(ctx, console, events, requestID, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if job.Status == schema.JobFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			if len(job.Result) > 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(job.Result))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&request, "request", "r", "", "job request body as JSON")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "how long to wait for the gateway")
	return cmd
}

func waitConnected(ctx context.Context, console *fleetconsole.Console, events <-chan eventbus.Event, timeout time.Duration) error {
	if state, _ := console.Connection(); state == gateway.StateConnected {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return schema.ErrNotConnected
		case event, ok := <-events:
			if !ok {
				return schema.ErrNotConnected
			}
			if event.Type != eventbus.EventConnection {
				continue
			}
			switch gateway.State(event.State) {
			case gateway.StateConnected:
				return nil
			case gateway.StateFailed:
				return schema.ErrConnectFailed
			}
		}
	}
}

// followJob prints chunks as they arrive and returns the terminal snapshot.
// If ctx ends first, the job is cancelled and followed for a short grace period.
func followJob(ctx context.Context, console *fleetconsole.Console, events <-chan eventbus.Event, requestID schema.RequestID, out io.Writer) (schema.JobSnapshot, error) {
	printed := 0
	var grace <-chan time.Time
	done := ctx.Done()
	// The bus drops on overflow, so poll as well.
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		if id, ok := console.JobForRequest(requestID); ok {
			job, err := console.Job(id)
			if err != nil {
				return schema.JobSnapshot{}, err
			}
			if printed > len(job.Chunks) {
				printed = len(job.Chunks)
			}
			printed += writeChunks(out, job.Chunks[printed:])
			if job.Status.Terminal() {
				return job, nil
			}
		}
		select {
		case <-done:
			done = nil
			id, ok := console.JobForRequest(requestID)
			if !ok {
				return schema.JobSnapshot{}, ctx.Err()
			}
			if err := console.CancelJob(id); err != nil && !errors.Is(err, schema.ErrJobNotRunning) {
				return schema.JobSnapshot{}, err
			}
			pslog.Ctx(ctx).Info("job cancel requested", "job", id)
			grace = time.After(cancelGrace)
		case <-grace:
			return schema.JobSnapshot{}, ctx.Err()
		case <-poll.C:
		case _, ok := <-events:
			if !ok {
				return schema.JobSnapshot{}, schema.ErrNotConnected
			}
		}
	}
}

func writeChunks(out io.Writer, chunks []schema.JobChunk) int {
	for _, chunk := range chunks {
		switch {
		case chunk.Text != "":
			_, _ = fmt.Fprint(out, chunk.Text)
		case len(chunk.Data) > 0:
			_, _ = fmt.Fprintln(out, string(chunk.Data))
		}
	}
	return len(chunks)
}

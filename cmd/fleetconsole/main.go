package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("fleetconsole command failed")
		return 1
	}
	return 0
}

// rootOptions are the flags shared by every command that talks to a gateway.
type rootOptions struct {
	configPath string
	gatewayURL string
	apiURL     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "fleetconsole",
		Short:         "Operator console for a fleet of remote agent sessions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.gatewayURL, "gateway", "", "gateway websocket url (overrides config)")
	root.PersistentFlags().StringVar(&opts.apiURL, "api", "", "API base url (overrides config)")

	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newJobCmd(opts))
	root.AddCommand(newInspectCmd())
	root.AddCommand(newConfigCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

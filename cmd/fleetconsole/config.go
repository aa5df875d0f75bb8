package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/fleetconsole"
	"pkt.systems/fleetconsole/internal/appconfig"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the fleetconsole config file",
	}
	cmd.AddCommand(newConfigInitCmd(opts))
	return cmd
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.WriteDefault(opts.configPath, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("config wrote", "path", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}

// consoleConfig loads the config file and applies flag overrides.
func consoleConfig(opts *rootOptions) (schema.ConsoleConfig, error) {
	cfg, err := appconfig.Load(opts.configPath)
	if err != nil {
		return schema.ConsoleConfig{}, err
	}
	if v := strings.TrimSpace(opts.gatewayURL); v != "" {
		cfg.Gateway.URL = v
	}
	if v := strings.TrimSpace(opts.apiURL); v != "" {
		cfg.API.BaseURL = v
	}
	return cfg.ConsoleConfig()
}

// openConsole builds a console from config and mounts it on the gateway.
func openConsole(ctx context.Context, opts *rootOptions) (*fleetconsole.Console, func(), error) {
	cfg, err := consoleConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := pslog.Ctx(ctx)
	console, err := fleetconsole.New(cfg, fleetconsole.Deps{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	unmount, err := console.Mount(ctx)
	if err != nil {
		_ = console.Close()
		return nil, nil, err
	}
	closeFn := func() {
		unmount()
		if err := console.Close(); err != nil {
			logger.Warn("console close failed", "err", err)
		}
	}
	return console, closeFn, nil
}

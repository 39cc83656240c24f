// ABOUTME: `council serve` runs the HTTP API and gRPC health listener
// ABOUTME: The agent roster is reloaded when its file changes

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/gateway"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the council server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, os.Stderr)

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			cyan.Fprint(out, banner)
			gray.Fprintf(out, "    version: %s\n\n", version)
			for _, line := range [][2]string{
				{"Config", path},
				{"HTTP", cfg.Server.HTTPAddr},
				{"gRPC", orDisabled(cfg.Server.GRPCAddr)},
				{"Database", cfg.Database.Path},
			} {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "%-9s %s\n", line[0]+":", line[1])
			}
			fmt.Fprintln(out)

			a, err := newApp(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.watchRoster(ctx)

			gw, err := gateway.New(gateway.Config{
				HTTPAddr: cfg.Server.HTTPAddr,
				GRPCAddr: cfg.Server.GRPCAddr,
			}, gateway.Deps{
				Conversations: a.convs,
				Orchestrator:  a.orch,
				Usage:         a.tracker,
				Stats:         a.db,
			}, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			logger.Info("starting council", "agents", a.orch.Roster().Len())
			return gw.Run(ctx)
		},
	}
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

// ABOUTME: Entry point for the council CLI
// ABOUTME: Cobra root command wiring serve, chat, init, health and version

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/config"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                            _ _
  ___ ___  _   _ _ __   ___(_) |
 / __/ _ \| | | | '_ \ / __| | |
| (_| (_) | |_| | | | | (__| | |
 \___\___/ \__,_|_| |_|\___|_|_|
`

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "council",
		Short:         "Multi-agent conversations with a moderator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newInitCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "council %s\n", version)
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// ABOUTME: `council init` writes a starter config and agent roster
// ABOUTME: Existing files are kept unless --force is given

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config and agents file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath()
			rosterPath := filepath.Join(filepath.Dir(path), "agents.toml")

			written, err := writeStarterFiles(path, rosterPath, force)
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)
			out := cmd.OutOrStdout()
			for _, p := range []string{path, rosterPath} {
				if written[p] {
					green.Fprint(out, "  ✓ ")
					fmt.Fprintf(out, "wrote %s\n", p)
				} else {
					yellow.Fprint(out, "  • ")
					fmt.Fprintf(out, "kept existing %s\n", p)
				}
			}
			fmt.Fprintln(out, "\nSet GEMINI_API_KEY, then run `council chat` or `council serve`.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// writeStarterFiles writes the sample config and roster, reporting which
// files were written.
func writeStarterFiles(configPath, rosterPath string, force bool) (map[string]bool, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	written := make(map[string]bool, 2)
	files := []struct {
		path    string
		content string
	}{
		{configPath, config.Sample()},
		{rosterPath, config.SampleRoster()},
	}
	for _, f := range files {
		if !force {
			if _, err := os.Stat(f.path); err == nil {
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("checking %s: %w", f.path, err)
			}
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.path, err)
		}
		written[f.path] = true
	}
	return written, nil
}

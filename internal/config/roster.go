// ABOUTME: Agent roster loading from TOML and hot reload with fsnotify
// ABOUTME: Reloads are debounced and invalid files never replace a good roster

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/2389/coven-council/internal/agent"
)

// rosterDebounce coalesces the bursts of events editors emit on save.
const rosterDebounce = 100 * time.Millisecond

type rosterFile struct {
	Agents []*agent.Profile `toml:"agent"`
}

// LoadRoster reads a TOML roster of [[agent]] tables.
func LoadRoster(path string) ([]*agent.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}

	var rf rosterFile
	if _, err := toml.Decode(expandEnvVars(string(data)), &rf); err != nil {
		return nil, fmt.Errorf("parsing roster file: %w", err)
	}
	if len(rf.Agents) == 0 {
		return nil, fmt.Errorf("roster file %s defines no agents", path)
	}
	if err := validateProfiles(rf.Agents); err != nil {
		return nil, err
	}
	return rf.Agents, nil
}

// Roster returns the configured agents: the roster file when set, else the
// inline list.
func (c *Config) Roster() ([]*agent.Profile, error) {
	if c.AgentsFile == "" {
		return c.Agents, nil
	}
	return LoadRoster(c.AgentsFile)
}

func validateProfiles(profiles []*agent.Profile) error {
	seen := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		if p == nil || p.ID == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("agent %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// WatchRoster calls onChange with the new roster each time the file at path
// changes and still parses. It blocks until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func WatchRoster(ctx context.Context, path string, logger *slog.Logger, onChange func([]*agent.Profile)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "roster-watcher", "path", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	timer := time.NewTimer(rosterDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(rosterDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("roster watcher error", "error", err)

		case <-timer.C:
			profiles, err := LoadRoster(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				logger.Warn("ignoring invalid roster", "error", err)
				continue
			}
			logger.Info("roster reloaded", "agents", len(profiles))
			onChange(profiles)
		}
	}
}

// ABOUTME: Builds the council services from config: SQLite, conversations, model client, orchestrator
// ABOUTME: Shared by the serve and chat commands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/config"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/orchestrator"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/usage"
)

type app struct {
	cfg     *config.Config
	db      *store.SQLiteStore
	convs   *conversation.Store
	tracker *usage.Tracker
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, notifier orchestrator.Notifier, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	profiles, err := cfg.Roster()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	convs := conversation.New(db, logger)
	if err := convs.Load(ctx, db); err != nil {
		convs.Close()
		_ = db.Close()
		return nil, err
	}

	client := llm.WithRateLimit(
		llm.NewGemini(cfg.Model.APIKey, cfg.Model.DefaultModel, logger),
		llm.NewLimiter(cfg.Model.RequestsPerMinute, cfg.Model.Burst),
	)
	tracker := usage.NewTracker(db, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Conversations: convs,
		Moderator: moderator.NewService(client, moderator.Config{
			Credential:  cfg.ModeratorCredential(),
			Model:       cfg.Moderator.Model,
			Instruction: cfg.Moderator.Instruction,
		}, logger),
		Agents: agent.NewService(client, agent.NewBuiltinToolbox(db), agent.Config{
			DefaultCredential: cfg.Model.APIKey,
			SummaryThreshold:  cfg.Orchestrator.SummaryThreshold,
		}, logger),
		Roster:   agent.NewRoster(profiles),
		Usage:    tracker,
		Notes:    db,
		Notifier: notifier,
		Pacing:   orchestrator.PaceEvery(cfg.Orchestrator.StepDelay),
	}, orchestrator.Config{
		MaxDiscussionTurns: cfg.Orchestrator.MaxDiscussionTurns,
		TurnTimeout:        cfg.Orchestrator.TurnTimeout,
	}, logger)

	a := &app{cfg: cfg, db: db, convs: convs, tracker: tracker, orch: orch, logger: logger}

	if convs.GetActive() == nil {
		if _, err := convs.Create(ctx, "", store.Settings{Mode: store.ModeDynamic}); err != nil {
			a.Close()
			return nil, fmt.Errorf("creating first conversation: %w", err)
		}
	}
	return a, nil
}

// watchRoster reloads the agents file until ctx ends. It is a no-op for
// inline rosters.
func (a *app) watchRoster(ctx context.Context) {
	if a.cfg.AgentsFile == "" {
		return
	}
	go func() {
		err := config.WatchRoster(ctx, a.cfg.AgentsFile, a.logger, a.orch.ReplaceRoster)
		if err != nil {
			a.logger.Warn("roster hot reload disabled", "error", err)
		}
	}()
}

func (a *app) Close() {
	a.orch.Close()
	a.convs.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
}

// ABOUTME: `council chat` is a terminal REPL that runs turns in-process
// ABOUTME: Replies stream as they are generated; slash commands change conversation settings

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/config"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/orchestrator"
	"github.com/2389/coven-council/internal/store"
)

const chatHelp = `Commands:
  /mode <dynamic|continuous|manual|moderated>  switch turn-taking mode
  /pick <agent>                                 have an agent answer the last message
  /rules [text]                                 set discussion rules (empty clears them)
  /insights on|off                              show the moderator's reasoning
  /agents                                       list participating agents
  /new [title]                                  start a new conversation
  /usage                                        show token usage
  /quit                                         leave
`

func newChatCmd() *cobra.Command {
	var verbose, bell bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the council in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logCfg := config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}
			if verbose {
				logCfg.Level = "debug"
			}
			logger := setupLogger(logCfg, os.Stderr)

			out := cmd.OutOrStdout()
			var notifier orchestrator.Notifier
			if bell {
				notifier = orchestrator.NotifierFunc(func(n orchestrator.Notification) {
					if n.Kind != orchestrator.NotifySend {
						fmt.Fprint(out, "\a")
					}
				})
			}

			a, err := newApp(ctx, cfg, notifier, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.watchRoster(ctx)

			s := newChatSession(a, out)
			defer s.stop()
			return s.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show debug logs")
	cmd.Flags().BoolVar(&bell, "bell", false, "ring the terminal bell when agents reply")
	return cmd
}

type chatSession struct {
	app *app

	mu  sync.Mutex // serialises writes to out
	out io.Writer

	convID    string
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

func newChatSession(a *app, out io.Writer) *chatSession {
	return &chatSession{app: a, out: out}
}

func (s *chatSession) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	conv := s.app.convs.GetActive()
	if conv == nil {
		return fmt.Errorf("no active conversation")
	}
	s.switchTo(ctx, conv.ID)
	s.printHeader(conv)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		s.printf("%s", color.GreenString("> "))
		select {
		case <-ctx.Done():
			s.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				s.printf("\n")
				return nil
			}
			if quit := s.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

func (s *chatSession) printHeader(conv *store.Conversation) {
	s.printf("%s %s\n", color.New(color.Bold).Sprint(conv.Title), color.HiBlackString("(%s mode)", conv.Settings.Mode))
	names := make([]string, 0)
	for _, p := range s.app.orch.Roster().Filter(conv.Settings.AgentIDs) {
		names = append(names, p.DisplayName())
	}
	if len(names) == 0 {
		s.printf("%s\n", color.YellowString("No agents configured. Add some to your agents file."))
	} else {
		s.printf("Agents: %s\n", strings.Join(names, ", "))
	}
	s.printf("%s\n\n", color.HiBlackString("Type /help for commands."))
}

// handleLine runs one line of input and reports whether to quit.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, arg, isCmd := parseCommand(line)
	if !isCmd {
		s.send(ctx, line)
		return false
	}

	var err error
	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		s.printf("%s", chatHelp)
	case "mode":
		err = s.setMode(ctx, arg)
	case "pick":
		err = s.pick(ctx, arg)
	case "rules":
		err = s.updateSettings(ctx, func(st *store.Settings) {
			st.DiscussionRules = arg
			st.DiscussionEnabled = arg != ""
		})
		if err == nil {
			if arg == "" {
				s.printf("Discussion rules cleared.\n")
			} else {
				s.printf("Discussion rules set.\n")
			}
		}
	case "insights":
		err = s.setInsights(ctx, arg)
	case "agents":
		s.listAgents()
	case "new":
		err = s.newConversation(ctx, arg)
	case "usage":
		s.printUsage()
	default:
		err = fmt.Errorf("unknown command /%s (try /help)", name)
	}
	if err != nil {
		s.printf("%s\n", color.RedString("%s", err))
	}
	return false
}

// parseCommand splits "/name rest of line" into its parts.
func parseCommand(line string) (name, arg string, ok bool) {
	rest, ok := strings.CutPrefix(line, "/")
	if !ok || rest == "" {
		return "", "", false
	}
	name, arg, _ = strings.Cut(rest, " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func (s *chatSession) send(ctx context.Context, text string) {
	res, err := s.app.orch.Send(ctx, orchestrator.SendRequest{ConversationID: s.convID, Text: text})
	if err != nil {
		s.printf("%s\n", color.RedString("%s", err))
		return
	}
	s.printSuggestions(res)
}

func (s *chatSession) pick(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("usage: /pick <agent>")
	}
	_, err := s.app.orch.SelectSpeaker(ctx, s.convID, ref)
	return err
}

func (s *chatSession) printSuggestions(res *orchestrator.TurnResult) {
	if len(res.Suggestions) == 0 {
		return
	}
	roster := s.app.orch.Roster()
	s.printf("%s\n", color.CyanString("Suggested speakers:"))
	for _, sg := range res.Suggestions {
		s.printf("  %s %s\n", color.New(color.Bold).Sprint(roster.NameOf(sg.AgentID)), color.HiBlackString("%s", sg.Reason))
	}
	s.printf("%s\n", color.HiBlackString("Use /pick <agent> to choose."))
}

func (s *chatSession) setMode(ctx context.Context, arg string) error {
	mode := store.Mode(strings.ToLower(arg))
	if !mode.Valid() {
		return fmt.Errorf("usage: /mode dynamic|continuous|manual|moderated")
	}
	if err := s.updateSettings(ctx, func(st *store.Settings) { st.Mode = mode }); err != nil {
		return err
	}
	s.printf("Mode: %s\n", mode)
	return nil
}

func (s *chatSession) setInsights(ctx context.Context, arg string) error {
	var on bool
	switch strings.ToLower(arg) {
	case "on", "true", "yes":
		on = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("usage: /insights on|off")
	}
	if err := s.updateSettings(ctx, func(st *store.Settings) { st.ShowManagerInsights = on }); err != nil {
		return err
	}
	s.printf("Moderator insights %s.\n", strings.ToLower(arg))
	return nil
}

func (s *chatSession) updateSettings(ctx context.Context, fn func(*store.Settings)) error {
	conv, err := s.app.convs.Get(s.convID)
	if err != nil {
		return err
	}
	settings := conv.Settings
	fn(&settings)
	return s.app.convs.UpdateSettings(ctx, s.convID, settings)
}

func (s *chatSession) listAgents() {
	conv, err := s.app.convs.Get(s.convID)
	if err != nil {
		s.printf("%s\n", color.RedString("%s", err))
		return
	}
	for _, p := range s.app.orch.Roster().Filter(conv.Settings.AgentIDs) {
		s.printf("  %s %s\n", color.New(color.Bold).Sprint(p.DisplayName()), color.HiBlackString("%s", p.Description))
	}
}

func (s *chatSession) newConversation(ctx context.Context, title string) error {
	prev, err := s.app.convs.Get(s.convID)
	if err != nil {
		return err
	}
	settings := prev.Settings
	settings.DiscussionRules = ""
	settings.DiscussionEnabled = false

	conv, err := s.app.convs.Create(ctx, title, settings)
	if err != nil {
		return err
	}
	if err := s.app.convs.SetActive(conv.ID); err != nil {
		return err
	}
	s.switchTo(ctx, conv.ID)
	s.printHeader(conv)
	return nil
}

func (s *chatSession) printUsage() {
	snap := s.app.tracker.Snapshot()
	s.printf("Total: %d tokens, %d requests\n", snap.Total.Tokens, snap.Total.Requests)
	roster := s.app.orch.Roster()
	for _, id := range slices.Sorted(maps.Keys(snap.PerAgent)) {
		c := snap.PerAgent[id]
		s.printf("  %-12s %d tokens, %d requests\n", roster.NameOf(id), c.Tokens, c.Requests)
	}
}

// switchTo points the session at convID and starts printing its events.
func (s *chatSession) switchTo(ctx context.Context, convID string) {
	s.stop()
	s.convID = convID

	watchCtx, cancel := context.WithCancel(ctx)
	msgs, msgSub := s.app.convs.Subscribe(watchCtx, convID)
	stages, stageSub := s.app.orch.Subscribe(watchCtx, convID)
	done := make(chan struct{})
	s.stopWatch, s.watchDone = cancel, done

	go func() {
		defer close(done)
		defer s.app.convs.Unsubscribe(convID, msgSub)
		defer s.app.orch.Unsubscribe(convID, stageSub)
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-msgs:
				if !ok {
					return
				}
				s.printEvent(ev)
			case st, ok := <-stages:
				if !ok {
					return
				}
				if line := stageLine(st, s.app.orch.Roster()); line != "" {
					s.printf("%s\n", color.HiBlackString("%s", line))
				}
			}
		}
	}()
}

func (s *chatSession) stop() {
	if s.stopWatch != nil {
		s.stopWatch()
		<-s.watchDone
		s.stopWatch = nil
	}
}

func (s *chatSession) printEvent(ev conversation.Event) {
	roster := s.app.orch.Roster()
	switch ev.Kind {
	case conversation.EventMessageAppended:
		m := ev.Message
		if m == nil || m.Sender == store.SenderUser {
			return
		}
		if !m.FromAgent() {
			s.printf("%s\n", formatSystemMessage(m, roster))
			return
		}
		s.printf("%s ", color.New(color.FgMagenta, color.Bold).Sprint(roster.NameOf(m.Sender)+":"))
		if m.Text != "" {
			s.printf("%s", m.Text)
		}
		if !m.IsStreaming {
			s.printf("\n")
		}
	case conversation.EventMessageChunk:
		s.printf("%s", ev.Chunk)
	case conversation.EventMessageFinalized:
		s.printf("\n")
	}
}

// formatSystemMessage renders a moderator or system message for the terminal.
func formatSystemMessage(m *store.Message, roster *agent.Roster) string {
	switch m.Type {
	case store.MessageTypeNotice:
		return color.RedString("! %s", m.Text)
	case store.MessageTypeInsight:
		return color.CyanString("moderator: %s", m.Text)
	case store.MessageTypeCritique:
		return color.YellowString("critique: %s", m.Text)
	case store.MessageTypeTopicDivider:
		return color.HiBlackString("── %s ──", m.Text)
	case store.MessageTypePlan:
		var b strings.Builder
		b.WriteString(color.CyanString("plan:"))
		for i, step := range m.Plan {
			fmt.Fprintf(&b, "\n  %d. %s: %s", i+1, roster.NameOf(step.AgentID), step.Task)
		}
		return b.String()
	}
	return m.Text
}

// stageLine describes a stage worth showing; generating and idle are implied
// by the reply itself.
func stageLine(st orchestrator.Stage, roster *agent.Roster) string {
	switch st.Kind {
	case orchestrator.StageDeciding:
		return "· deciding who should answer…"
	case orchestrator.StageSuggesting:
		return "· finding suggested speakers…"
	case orchestrator.StagePlanning:
		return "· planning…"
	case orchestrator.StageModerating:
		return "· moderating…"
	case orchestrator.StageExecutingPlan:
		return fmt.Sprintf("· step %d/%d: %s", st.Current, st.Total, roster.NameOf(st.AgentID))
	}
	return ""
}

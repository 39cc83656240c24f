// ABOUTME: Context assembly for agent and moderator calls
// ABOUTME: Layers the system instruction and converts conversation history to model turns

package agent

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2389/coven-council/internal/llm"
	"github.com/2389/coven-council/internal/store"
)

// recentTopicLimit bounds how many topic dividers are surfaced to agents.
const recentTopicLimit = 3

// FormatMemory renders notes as a bullet list, or "" when there are none.
func FormatMemory(notes []*store.Note) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s: %s\n", n.Key, n.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// speakerLabel names the sender of a message for transcripts.
func speakerLabel(m *store.Message, roster *Roster) string {
	switch m.Sender {
	case store.SenderUser:
		return "User"
	case store.SenderSystem:
		return "Moderator"
	default:
		return roster.NameOf(m.Sender)
	}
}

// condensed returns the summary when it differs from the full text.
func condensed(m *store.Message) (string, bool) {
	if m.Summary != "" && m.Summary != m.Text {
		return m.Summary, true
	}
	return m.Text, false
}

// FormatTranscript renders messages as "[Speaker]: text" lines for prompts.
// Agent replies that have a summary are shown condensed. Streaming
// placeholders, insights, notices and plan announcements are skipped.
func FormatTranscript(messages []store.Message, roster *Roster) string {
	var b strings.Builder
	for i := range messages {
		m := &messages[i]
		if !includeInContext(m) {
			continue
		}
		text, _ := condensed(m)
		if m.Type == store.MessageTypeTopicDivider {
			text = "New topic: " + text
		}
		fmt.Fprintf(&b, "[%s]: %s\n", speakerLabel(m, roster), text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// includeInContext reports whether a message is shown to models.
func includeInContext(m *store.Message) bool {
	if m.IsStreaming || strings.TrimSpace(m.Text) == "" {
		return false
	}
	if m.Sender != store.SenderSystem {
		return true
	}
	return m.Type == store.MessageTypeCritique || m.Type == store.MessageTypeTopicDivider
}

// recentTopics returns the texts of the latest topic dividers, oldest first.
func recentTopics(history []store.Message) []string {
	var topics []string
	for i := len(history) - 1; i >= 0 && len(topics) < recentTopicLimit; i-- {
		if history[i].Type == store.MessageTypeTopicDivider {
			topics = append(topics, history[i].Text)
		}
	}
	slices.Reverse(topics)
	return topics
}

// buildSystem layers memory, knowledge, topics, tool hints and finally the
// agent's own instruction (or the conversation override).
func buildSystem(req *Request, tools []llm.ToolDecl) string {
	p := req.Profile
	var blocks []string

	if mem := FormatMemory(req.Memory); mem != "" {
		blocks = append(blocks, "## Long-term memory\nThings you chose to remember from earlier conversations:\n"+mem)
	}
	if k := strings.TrimSpace(p.Knowledge); k != "" {
		blocks = append(blocks, "## Background knowledge\n"+k)
	}
	if topics := recentTopics(req.History); len(topics) > 0 {
		blocks = append(blocks, fmt.Sprintf(
			"## Recent topics\nThe discussion recently moved through: %s. The current topic is %q; stay on it unless the user changes it.",
			strings.Join(topics, "; "), topics[len(topics)-1]))
	}
	if len(tools) > 0 {
		var b strings.Builder
		b.WriteString("## Tools\nYou may call at most one tool this turn:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		if slices.ContainsFunc(tools, func(t llm.ToolDecl) bool { return t.Name == ToolGetMessageContent }) {
			b.WriteString("Earlier replies may be shown as summaries tagged [id:...]; call get_message_content with that id when you need the full text.")
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}

	identity := fmt.Sprintf("You are %s, one of several agents in a group conversation with a user.", p.DisplayName())
	if p.Description != "" {
		identity += " " + p.Description
	}
	instruction := p.Instruction
	if req.SystemOverride != "" {
		instruction = req.SystemOverride
	}
	blocks = append(blocks, strings.TrimSpace(identity+"\n\n"+instruction))

	return strings.Join(blocks, "\n\n")
}

// buildContents converts history into alternating model turns. The agent's
// own replies become model turns; everyone else speaks as the user, prefixed
// with their name. Consecutive same-role entries are merged.
func buildContents(req *Request) []llm.Content {
	var contents []llm.Content
	add := func(role llm.Role, text string) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			last := &contents[n-1].Parts[len(contents[n-1].Parts)-1]
			last.Text += "\n\n" + text
			return
		}
		contents = append(contents, llm.TextContent(role, text))
	}

	lastIdx := len(req.History) - 1
	for i := range req.History {
		m := &req.History[i]
		if !includeInContext(m) {
			continue
		}

		text := m.Text
		if i != lastIdx {
			if summary, ok := condensed(m); ok {
				text = fmt.Sprintf("%s [id:%s]", summary, m.ID)
			}
		}

		switch {
		case m.Sender == req.Profile.ID:
			add(llm.RoleModel, text)
		case m.Sender == store.SenderUser:
			add(llm.RoleUser, text)
		default:
			if m.Type == store.MessageTypeTopicDivider {
				text = "New topic: " + text
			}
			add(llm.RoleUser, fmt.Sprintf("[%s]: %s", speakerLabel(m, req.Roster), text))
		}
	}

	if len(contents) == 0 && strings.TrimSpace(req.LatestText) != "" {
		add(llm.RoleUser, req.LatestText)
	}
	if req.Task != "" {
		add(llm.RoleUser, "Your task for this turn: "+req.Task)
	}
	if len(contents) == 0 || contents[len(contents)-1].Role == llm.RoleModel {
		add(llm.RoleUser, "Continue the conversation.")
	}
	if contents[0].Role == llm.RoleModel {
		contents = append([]llm.Content{llm.TextContent(llm.RoleUser, "(conversation start)")}, contents...)
	}

	if att := req.Attachment; att != nil && len(att.Data) > 0 {
		last := &contents[len(contents)-1]
		last.Parts = append(last.Parts, llm.Part{InlineData: att.Data, MimeType: att.MimeType})
	}
	return contents
}

// renderRequest snapshots a request for the audit pipeline.
func renderRequest(req *llm.Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString("[system]\n")
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, c := range req.Contents {
		fmt.Fprintf(&b, "[%s]\n", c.Role)
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				fmt.Fprintf(&b, "call %s(%v)\n", p.FunctionCall.Name, p.FunctionCall.Args)
			case p.FunctionResponse != nil:
				fmt.Fprintf(&b, "result %s: %v\n", p.FunctionResponse.Name, p.FunctionResponse.Response)
			case len(p.InlineData) > 0:
				fmt.Fprintf(&b, "<attachment %s, %d bytes>\n", p.MimeType, len(p.InlineData))
			default:
				b.WriteString(p.Text)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

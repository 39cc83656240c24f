// ABOUTME: Renders a conversation as a Markdown or HTML transcript
// ABOUTME: HTML is produced from the Markdown with goldmark; raw HTML in messages is not passed through

package transcript

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/store"
)

var renderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Markdown renders conv as a Markdown document. Agent senders are shown by
// display name when roster knows them.
func Markdown(conv *store.Conversation, roster *agent.Roster) string {
	var b strings.Builder

	title := conv.Title
	if title == "" {
		title = "Untitled conversation"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Mode: %s", conv.Settings.Mode)
	if !conv.CreatedAt.IsZero() {
		fmt.Fprintf(&b, " · started %s", conv.CreatedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("_\n\n")

	for i := range conv.Messages {
		writeMessage(&b, &conv.Messages[i], roster)
	}
	return b.String()
}

// HTML renders conv as an HTML fragment.
func HTML(conv *store.Conversation, roster *agent.Roster) ([]byte, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(Markdown(conv, roster)), &buf); err != nil {
		return nil, fmt.Errorf("rendering transcript: %w", err)
	}
	return buf.Bytes(), nil
}

func writeMessage(b *strings.Builder, m *store.Message, roster *agent.Roster) {
	switch m.Type {
	case store.MessageTypeTopicDivider:
		b.WriteString("---\n\n")
		if m.Text != "" {
			fmt.Fprintf(b, "_%s_\n\n", oneLine(m.Text))
		}
		return
	case store.MessageTypeNotice:
		fmt.Fprintf(b, "> **Notice:** %s\n\n", oneLine(m.Text))
		return
	case store.MessageTypeInsight:
		fmt.Fprintf(b, "> **Moderator insight:** %s\n\n", oneLine(m.Text))
		return
	case store.MessageTypeCritique:
		fmt.Fprintf(b, "> **Moderator critique:** %s\n\n", oneLine(m.Text))
		return
	case store.MessageTypePlan:
		b.WriteString("### Plan\n\n")
		for i, step := range m.Plan {
			fmt.Fprintf(b, "%d. **%s**: %s\n", i+1, senderName(step.AgentID, roster), oneLine(step.Task))
		}
		b.WriteString("\n")
		return
	}

	fmt.Fprintf(b, "### %s\n\n", senderName(m.Sender, roster))
	if m.Attachment != nil {
		fmt.Fprintf(b, "_Attachment: %s (%s)_\n\n", m.Attachment.Name, m.Attachment.MimeType)
	}
	text := m.Text
	if m.IsStreaming {
		text += " …"
	}
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n\n")
}

func senderName(sender string, roster *agent.Roster) string {
	switch sender {
	case store.SenderUser:
		return "You"
	case store.SenderSystem:
		return "System"
	}
	if roster != nil {
		if p, ok := roster.Get(sender); ok {
			return p.DisplayName()
		}
	}
	return sender
}

// oneLine keeps blockquote and list items on a single Markdown line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

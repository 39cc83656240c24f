// ABOUTME: Prompt builders and response schemas for moderator operations
// ABOUTME: Prompts share one agent roster and transcript rendering

package moderator

import (
	"fmt"
	"strings"

	"github.com/2389/coven-council/internal/agent"
	"github.com/2389/coven-council/internal/llm"
)

func writeAgents(b *strings.Builder, agents []*agent.Profile) {
	b.WriteString("Agents (use the id exactly):\n")
	for _, a := range agents {
		fmt.Fprintf(b, "- %s (%s)", a.ID, a.DisplayName())
		if a.Description != "" {
			fmt.Fprintf(b, ": %s", a.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeHistory(b *strings.Builder, req *Request) {
	transcript := agent.FormatTranscript(req.History, req.Roster)
	if transcript == "" {
		transcript = "(no messages yet)"
	}
	b.WriteString("Conversation so far:\n")
	b.WriteString(transcript)
	b.WriteString("\n\n")
}

func writeLatest(b *strings.Builder, req *Request) {
	if req.LatestText == "" {
		return
	}
	b.WriteString("Latest user message:\n")
	b.WriteString(req.LatestText)
	b.WriteString("\n\n")
}

func decideNextSpeakerPrompt(req *Request) string {
	var b strings.Builder
	writeAgents(&b, req.Agents)
	writeHistory(&b, req)
	writeLatest(&b, req)
	b.WriteString("Choose the single agent best suited to respond next. ")
	b.WriteString("Set nextSpeaker to that agent's id, or to null if no agent should respond. ")
	b.WriteString("If the latest message starts a new topic, set newTopic to a short title for it; otherwise null.")
	return b.String()
}

func suggestionsPrompt(req *Request) string {
	var b strings.Builder
	writeAgents(&b, req.Agents)
	writeHistory(&b, req)
	writeLatest(&b, req)
	b.WriteString("The user will pick the next speaker themselves. ")
	b.WriteString("Suggest up to three agents who could respond well, best first, each with a one-sentence reason.")
	return b.String()
}

func planPrompt(req *Request) string {
	var b strings.Builder
	writeAgents(&b, req.Agents)
	writeHistory(&b, req)
	writeLatest(&b, req)
	b.WriteString("Break the user's request into an ordered plan. ")
	b.WriteString("Each step assigns one agent (agentId) a concrete task; an agent may appear more than once. ")
	b.WriteString("Steps run one after another and each agent sees the earlier steps' replies. ")
	b.WriteString("Keep the plan as short as the request allows, and explain it in rationale.")
	return b.String()
}

func moderateTurnPrompt(req *Request) string {
	var b strings.Builder
	writeAgents(&b, req.Agents)
	writeHistory(&b, req)
	b.WriteString("Discussion rules:\n")
	if strings.TrimSpace(req.Rules) == "" {
		b.WriteString("(none beyond staying relevant and constructive)\n\n")
	} else {
		b.WriteString(req.Rules)
		b.WriteString("\n\n")
	}
	b.WriteString("Moderate the discussion. ")
	b.WriteString("If the most recent message came from an agent and broke the rules, set critique to a short correction; otherwise null. ")
	b.WriteString("Set decision to \"speak\" if another agent should contribute now, naming it in nextSpeakerAgentId with a focused taskForNextSpeaker, ")
	b.WriteString("or to \"wait_for_user\" if the discussion has reached a natural pause or needs the user's input. ")
	b.WriteString("Explain your reasoning in rationale.")
	return b.String()
}

var speakerSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"nextSpeaker": {Type: llm.TypeString, Nullable: true, Description: "Agent id, or null."},
		"newTopic":    {Type: llm.TypeString, Nullable: true, Description: "Title of a new topic, or null."},
	},
	Required: []string{"nextSpeaker"},
}

var suggestionsSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"suggestions": {
			Type: llm.TypeArray,
			Items: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"agentId": {Type: llm.TypeString},
					"reason":  {Type: llm.TypeString},
				},
				Required: []string{"agentId", "reason"},
			},
		},
	},
	Required: []string{"suggestions"},
}

var planSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"plan": {
			Type: llm.TypeArray,
			Items: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"agentId":   {Type: llm.TypeString},
					"task":      {Type: llm.TypeString},
					"rationale": {Type: llm.TypeString},
				},
				Required: []string{"agentId", "task"},
			},
		},
		"rationale": {Type: llm.TypeString},
	},
	Required: []string{"plan", "rationale"},
}

var moderationSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"critique":           {Type: llm.TypeString, Nullable: true},
		"decision":           {Type: llm.TypeString, Enum: []string{string(DecisionSpeak), string(DecisionWaitForUser)}},
		"nextSpeakerAgentId": {Type: llm.TypeString, Nullable: true},
		"taskForNextSpeaker": {Type: llm.TypeString, Nullable: true},
		"rationale":          {Type: llm.TypeString},
	},
	Required: []string{"decision", "rationale"},
}

// Package agent generates replies for configured agent personas.
//
// # Roster
//
// Profiles come from the roster file and are resolved by id or, case
// insensitively, by name:
//
//	roster := agent.NewRoster(profiles)
//	p, ok := roster.Get("critic")
//
// # Service
//
// Service.Generate runs one agent turn and streams Response events:
//
//	for resp := range svc.Generate(ctx, req) {
//		switch resp.Event {
//		case agent.EventText:       // partial text
//		case agent.EventToolUse:    // tool requested
//		case agent.EventToolResult: // tool finished
//		case agent.EventDone:       // resp.Result
//		case agent.EventError:      // resp.Err
//		}
//	}
//
// A turn:
//
//  1. Layers the system instruction: long-term memory, background
//     knowledge, recent topics, tool hints, then the agent's instruction
//     (or the conversation's override).
//  2. Converts history to model turns. The agent's own replies are model
//     turns; everything else is a user turn prefixed with the speaker.
//     Summaries stand in for long replies, tagged with the message id.
//  3. Makes one non-streaming call. If the model asks for a tool, a notice
//     is streamed, the tool runs, and a second streaming call carries the
//     result. At most one tool runs per turn.
//  4. Asks for a self-summary of replies over the summary threshold. A
//     failed summary falls back to the full text.
//
// Missing credentials fail before any network call with
// llm.ErrMissingCredential.
//
// # Tools
//
// NewBuiltinToolbox registers get_message_content, and remember/recall when
// a NoteStore is supplied. An agent can only call tools listed in its
// profile.
package agent

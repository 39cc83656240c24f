// Package moderator implements the council's privileged turn-taking role.
//
// Each operation is a single structured call to the model backend:
//
//   - DecideNextSpeaker: who answers the latest message (continuous mode)
//   - GenerateSuggestions: candidate speakers for the user to pick (manual mode)
//   - GeneratePlan: an ordered list of agent tasks (dynamic mode)
//   - ModerateTurn: critique, speak or wait_for_user (moderated discussion)
//
// Every operation returns its decision together with a one-entry pipeline
// holding the prompt sent and the raw response received. The pipeline is
// returned even when decoding fails, so callers can keep the audit trail.
//
// Responses that are not JSON, or that fail the operation's required-field
// checks, are reported as *ResponseError carrying the prompt and raw text.
// Backend failures keep their llm.Code. A missing credential returns
// llm.ErrMissingCredential without contacting the backend.
package moderator

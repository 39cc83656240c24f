// Package orchestrator runs the council's turns.
//
// A turn starts with a user message (Send) or an explicit speaker choice
// (SelectSpeaker) and runs the state machine of the conversation's mode:
//
//   - continuous: the moderator picks one speaker, who replies
//   - dynamic: the moderator plans; each step's agent replies in order and
//     steps naming unknown agents are skipped
//   - manual: the moderator suggests speakers; nobody replies until the
//     user selects one
//   - moderated: moderate, then let the chosen agent speak, until the
//     moderator waits for the user or the loop bound is hit
//
// Every reply follows the same procedure: an empty streaming placeholder is
// appended, chunks are streamed into it, and it is finalized with the full
// text, summary, pipeline and response time.
//
// # Concurrency
//
// One turn runs per conversation at a time. A second Send, SelectSpeaker or
// Regenerate while a turn is in flight returns ErrTurnInProgress. Turns on
// different conversations run concurrently. Cancel aborts a turn between or
// during steps.
//
// # Errors
//
// Failures inside a turn never escape as errors. They are appended to the
// conversation as one system notice, recorded in TurnResult.Err, and the
// stage returns to idle. Messages committed before the failure are kept.
//
// # Observing progress
//
//	stages, subID := orch.Subscribe(ctx, convID)
//	defer orch.Unsubscribe(convID, subID)
//	for s := range stages {
//		fmt.Println(s) // planning, executing_plan(alpha, 1/2), ..., idle
//	}
package orchestrator

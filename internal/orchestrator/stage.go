// ABOUTME: LoadingStage, the orchestrator's externally observable progress state
// ABOUTME: One stage per conversation, published to subscribers on every change

package orchestrator

import "fmt"

// StageKind tags a Stage.
type StageKind string

const (
	StageIdle          StageKind = "idle"
	StageDeciding      StageKind = "deciding"
	StageSuggesting    StageKind = "suggesting"
	StageGenerating    StageKind = "generating"
	StageModerating    StageKind = "moderating"
	StagePlanning      StageKind = "planning"
	StageExecutingPlan StageKind = "executing_plan"
)

// Stage is the progress of a conversation's current turn. AgentID is set
// while generating; Task, Current and Total only while executing a plan.
type Stage struct {
	Kind           StageKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Task           string    `json:"task,omitempty"`
	Current        int       `json:"current,omitempty"`
	Total          int       `json:"total,omitempty"`
}

// Busy reports whether a turn is in flight.
func (s Stage) Busy() bool {
	return s.Kind != StageIdle && s.Kind != ""
}

func (s Stage) String() string {
	switch s.Kind {
	case StageGenerating:
		if s.AgentID != "" {
			return fmt.Sprintf("generating(%s)", s.AgentID)
		}
	case StageExecutingPlan:
		return fmt.Sprintf("executing_plan(%s, %d/%d)", s.AgentID, s.Current, s.Total)
	case "":
		return string(StageIdle)
	}
	return string(s.Kind)
}

// ABOUTME: HTTP API handlers for conversations, turns, agents and usage
// ABOUTME: Turns started by POST /messages run in the background; progress is streamed over SSE

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/moderator"
	"github.com/2389/coven-council/internal/orchestrator"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/transcript"
)

// maxBodyBytes bounds request bodies, which may carry an attachment.
const maxBodyBytes = 20 << 20

// AgentInfoResponse is the JSON response for GET /api/agents.
type AgentInfoResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// ConversationSummary is one entry of GET /api/conversations.
type ConversationSummary struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Mode         store.Mode `json:"mode"`
	MessageCount int        `json:"message_count"`
	Active       bool       `json:"active"`
	Busy         bool       `json:"busy"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ConversationResponse is the JSON response for a single conversation.
type ConversationResponse struct {
	*store.Conversation
	Stage       orchestrator.Stage     `json:"stage"`
	Suggestions []moderator.Suggestion `json:"suggestions,omitempty"`
}

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	Title    string         `json:"title"`
	Settings store.Settings `json:"settings"`
	Activate bool           `json:"activate"`
}

// UpdateConversationRequest is the JSON body for PATCH /api/conversations/{id}.
// Only the fields present are changed.
type UpdateConversationRequest struct {
	Title               *string     `json:"title"`
	Mode                *store.Mode `json:"mode"`
	DiscussionEnabled   *bool       `json:"discussion_enabled"`
	DiscussionRules     *string     `json:"discussion_rules"`
	ShowManagerInsights *bool       `json:"show_manager_insights"`
	SystemInstruction   *string     `json:"system_instruction"`
	AgentIDs            *[]string   `json:"agent_ids"`
}

// SendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text            string            `json:"text"`
	Attachment      *store.Attachment `json:"attachment,omitempty"`
	ClientMessageID string            `json:"client_message_id,omitempty"`
}

// SendMessageResponse acknowledges an accepted message.
type SendMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// SelectSpeakerRequest is the JSON body for POST /api/conversations/{id}/select.
type SelectSpeakerRequest struct {
	AgentID string `json:"agent_id"`
}

// SelectAlternativeRequest is the JSON body for choosing a regenerated reply.
type SelectAlternativeRequest struct {
	Index int `json:"index"`
}

// TurnResponse reports a finished turn.
type TurnResponse struct {
	ConversationID string                 `json:"conversation_id"`
	UserMessageID  string                 `json:"user_message_id,omitempty"`
	Speakers       []string               `json:"speakers"`
	MessageIDs     []string               `json:"message_ids"`
	Suggestions    []moderator.Suggestion `json:"suggestions,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

func newTurnResponse(res *orchestrator.TurnResult) TurnResponse {
	out := TurnResponse{
		ConversationID: res.ConversationID,
		UserMessageID:  res.UserMessageID,
		Speakers:       res.Speakers,
		MessageIDs:     res.MessageIDs,
		Suggestions:    res.Suggestions,
	}
	if out.Speakers == nil {
		out.Speakers = []string{}
	}
	if out.MessageIDs == nil {
		out.MessageIDs = []string{}
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	profiles := g.orch.Roster().All()
	response := make([]AgentInfoResponse, 0, len(profiles))
	for _, p := range profiles {
		response = append(response, AgentInfoResponse{
			ID:          p.ID,
			Name:        p.DisplayName(),
			Description: p.Description,
			Model:       p.Model,
			Tools:       p.Tools,
		})
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	activeID := g.convs.ActiveID()
	convs := g.convs.List()
	response := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		response = append(response, ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			Mode:         c.Settings.Mode,
			MessageCount: len(c.Messages),
			Active:       c.ID == activeID,
			Busy:         g.orch.Busy(c.ID),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !g.decode(w, r, &req) {
		return
	}

	conv, err := g.convs.Create(r.Context(), req.Title, req.Settings)
	if err != nil {
		g.sendError(w, err)
		return
	}
	if req.Activate {
		if err := g.convs.SetActive(conv.ID); err != nil {
			g.sendError(w, err)
			return
		}
	}
	g.sendJSON(w, http.StatusCreated, g.conversationResponse(conv))
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.convs.Get(r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(conv))
}

func (g *Gateway) conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		Conversation: conv,
		Stage:        g.orch.Stage(conv.ID),
		Suggestions:  g.orch.Suggestions(conv.ID),
	}
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req UpdateConversationRequest
	if !g.decode(w, r, &req) {
		return
	}

	conv, err := g.convs.Get(id)
	if err != nil {
		g.sendError(w, err)
		return
	}

	if req.Title != nil {
		if err := g.convs.Rename(r.Context(), id, strings.TrimSpace(*req.Title)); err != nil {
			g.sendError(w, err)
			return
		}
	}

	settings, changed := applySettings(conv.Settings, &req)
	if changed {
		if err := g.convs.UpdateSettings(r.Context(), id, settings); err != nil {
			g.sendError(w, err)
			return
		}
	}

	conv, err = g.convs.Get(id)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(conv))
}

func applySettings(s store.Settings, req *UpdateConversationRequest) (store.Settings, bool) {
	changed := false
	if req.Mode != nil {
		s.Mode, changed = *req.Mode, true
	}
	if req.DiscussionEnabled != nil {
		s.DiscussionEnabled, changed = *req.DiscussionEnabled, true
	}
	if req.DiscussionRules != nil {
		s.DiscussionRules, changed = *req.DiscussionRules, true
	}
	if req.ShowManagerInsights != nil {
		s.ShowManagerInsights, changed = *req.ShowManagerInsights, true
	}
	if req.SystemInstruction != nil {
		s.SystemInstruction, changed = *req.SystemInstruction, true
	}
	if req.AgentIDs != nil {
		s.AgentIDs, changed = *req.AgentIDs, true
	}
	return s, changed
}

// handleActivate handles POST /api/conversations/{id}/activate.
func (g *Gateway) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := g.convs.SetActive(r.PathValue("id")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// The user message is recorded before responding; the turn continues in
// the background and its output is visible on the events stream.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SendMessageRequest
	if !g.decode(w, r, &req) {
		return
	}

	var key string
	if req.ClientMessageID != "" {
		key = id + "/" + req.ClientMessageID
		if prior, dup := g.submissions.Claim(key); dup {
			g.sendJSON(w, http.StatusConflict, map[string]string{
				"error":      "duplicate message",
				"message_id": prior,
			})
			return
		}
	}

	pending, err := g.orch.SendAsync(r.Context(), orchestrator.SendRequest{
		ConversationID: id,
		Text:           req.Text,
		Attachment:     req.Attachment,
	})
	if err != nil {
		if key != "" {
			g.submissions.Release(key)
		}
		g.sendError(w, err)
		return
	}
	if key != "" {
		g.submissions.Resolve(key, pending.UserMessageID)
	}

	g.sendJSON(w, http.StatusAccepted, SendMessageResponse{
		ConversationID: pending.ConversationID,
		MessageID:      pending.UserMessageID,
	})
}

// handleSelectSpeaker handles POST /api/conversations/{id}/select. It
// returns when the chosen agent has replied.
func (g *Gateway) handleSelectSpeaker(w http.ResponseWriter, r *http.Request) {
	var req SelectSpeakerRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	res, err := g.orch.SelectSpeaker(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, newTurnResponse(res))
}

// handleCancel handles POST /api/conversations/{id}/cancel.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := g.orch.Cancel(r.PathValue("id"))
	g.sendJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleRegenerate handles POST /api/conversations/{id}/messages/{msgID}/regenerate.
func (g *Gateway) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	res, err := g.orch.Regenerate(r.Context(), r.PathValue("id"), r.PathValue("msgID"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, newTurnResponse(res))
}

// handleSelectAlternative handles POST /api/conversations/{id}/messages/{msgID}/alternative.
func (g *Gateway) handleSelectAlternative(w http.ResponseWriter, r *http.Request) {
	var req SelectAlternativeRequest
	if !g.decode(w, r, &req) {
		return
	}
	id, msgID := r.PathValue("id"), r.PathValue("msgID")
	if g.orch.Busy(id) {
		g.sendError(w, orchestrator.ErrTurnInProgress)
		return
	}
	if err := g.convs.SelectAlternative(r.Context(), id, msgID, req.Index); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMessage handles DELETE /api/conversations/{id}/messages/{msgID}.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, msgID := r.PathValue("id"), r.PathValue("msgID")
	if g.orch.Busy(id) {
		g.sendError(w, orchestrator.ErrTurnInProgress)
		return
	}
	if err := g.convs.DeleteMessage(r.Context(), id, msgID); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscript handles GET /api/conversations/{id}/transcript?format=md|html.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv, err := g.convs.Get(r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(transcript.Markdown(conv, g.orch.Roster())))
	case "html":
		out, err := transcript.HTML(conv, g.orch.Roster())
		if err != nil {
			g.logger.Error("failed to render transcript", "error", err, "conversation_id", conv.ID)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(out)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "format must be md or html")
	}
}

// UsageResponse is the JSON response for GET /api/usage.
type UsageResponse struct {
	Session  UsageCounts            `json:"session"`
	PerAgent map[string]UsageCounts `json:"per_agent"`
	Stored   *UsageCounts           `json:"stored,omitempty"`
}

// UsageCounts is a token and request pair.
type UsageCounts struct {
	Tokens   int64 `json:"tokens"`
	Requests int64 `json:"requests"`
}

// handleUsage handles GET /api/usage. Session counts come from the
// in-memory tracker; stored counts from the database, optionally narrowed by
// ?agent_id= and ?since= (RFC 3339).
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	resp := UsageResponse{PerAgent: map[string]UsageCounts{}}
	if g.usage != nil {
		snap := g.usage.Snapshot()
		resp.Session = UsageCounts{Tokens: snap.Total.Tokens, Requests: snap.Total.Requests}
		for id, c := range snap.PerAgent {
			resp.PerAgent[id] = UsageCounts{Tokens: c.Tokens, Requests: c.Requests}
		}
	}

	if g.stats != nil {
		var filter store.UsageFilter
		if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
			filter.AgentID = &agentID
		}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
				return
			}
			filter.Since = &t
		}
		stats, err := g.stats.GetUsageStats(r.Context(), filter)
		if err != nil {
			g.logger.Error("failed to read usage stats", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Stored = &UsageCounts{Tokens: stats.TotalTokens, Requests: stats.RequestCount}
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendError maps a service error onto an HTTP status.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrConversationNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, orchestrator.ErrUnknownAgent),
		errors.Is(err, orchestrator.ErrNotRegenerable),
		errors.Is(err, conversation.ErrInvalidMode),
		errors.Is(err, conversation.ErrInvalidAlternative):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

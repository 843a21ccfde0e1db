package server

import (
	"eds/internal/domain"
	"eds/internal/engine"
)

// Request payloads

type ChatRequest struct {
	Query    string `json:"query"`
	ChatID   string `json:"chat_id,omitempty"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// Response payloads

type WorkflowStateResponse struct {
	StateCode   string   `json:"state_code"`
	Description string   `json:"description,omitempty"`
	Metadata    string   `json:"state_metadata,omitempty"`
	NextStates  []string `json:"next_state_codes"`
	NotifyRoles []string `json:"notify_roles,omitempty"`
}

type TransitResponse struct {
	Message  string `json:"message"`
	ParID    string `json:"par_id"`
	From     string `json:"from"`
	NewState string `json:"new_state"`
	CanView  bool   `json:"can_view"`
	CanEdit  bool   `json:"can_edit"`
}

type ActivityResponse struct {
	ID       int64  `json:"id"`
	ParID    string `json:"par_id"`
	Activity string `json:"activity"`
	Status   string `json:"status"`
	Date     string `json:"date"`
	User     string `json:"user"`
	Comments string `json:"comments,omitempty"`
}

type ChatResponse struct {
	Response        string `json:"response"`
	ChatID          string `json:"chat_id"`
	MessageID       int64  `json:"message_id"`
	ParentMessageID int64  `json:"parent_message_id"`
}

type ChatMessageResponse struct {
	ID       int64  `json:"id"`
	ParentID int64  `json:"parent_id"`
	Query    string `json:"query"`
	Response string `json:"response"`
	Created  string `json:"created_at"`
}

type ChatHistoryResponse struct {
	ChatID   string                `json:"chat_id"`
	Summary  string                `json:"summary,omitempty"`
	Messages []ChatMessageResponse `json:"messages"`
}

func workflowStateResponse(s domain.WorkflowState) WorkflowStateResponse {
	next := s.NextStates
	if next == nil {
		next = []string{}
	}
	return WorkflowStateResponse{
		StateCode:   s.StateCode,
		Description: s.Description,
		Metadata:    s.Metadata,
		NextStates:  next,
		NotifyRoles: s.NotifyRoles,
	}
}

func mapWorkflowStates(states []domain.WorkflowState) []WorkflowStateResponse {
	res := make([]WorkflowStateResponse, 0, len(states))
	for _, s := range states {
		res = append(res, workflowStateResponse(s))
	}
	return res
}

func transitResponse(r engine.TransitResult) TransitResponse {
	return TransitResponse{
		Message:  "State transition successful",
		ParID:    r.ParID,
		From:     r.From,
		NewState: r.NewState,
		CanView:  r.CanView,
		CanEdit:  r.CanEdit,
	}
}

func activityResponse(a domain.ParActivity) ActivityResponse {
	return ActivityResponse{
		ID:       a.ID,
		ParID:    a.ParID,
		Activity: a.Activity,
		Status:   a.Status,
		Date:     a.Date,
		User:     a.User,
		Comments: a.Comments,
	}
}

func mapActivities(items []domain.ParActivity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func mapChatMessages(items []domain.ChatMessage) []ChatMessageResponse {
	res := make([]ChatMessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, ChatMessageResponse{
			ID:       m.ID,
			ParentID: m.ParentID,
			Query:    m.Query,
			Response: m.Response,
			Created:  m.CreatedAt,
		})
	}
	return res
}

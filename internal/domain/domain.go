package domain

// DraftState is the implicit status of a PAR that has no ledger entries yet.
const DraftState = "Draft"

type WorkflowState struct {
	StateCode   string   `json:"state_code"`
	Description string   `json:"description,omitempty"`
	Metadata    string   `json:"state_metadata,omitempty"`
	NextStates  []string `json:"next_state_codes"`
	NotifyRoles []string `json:"notify_roles,omitempty"`
}

// Terminal reports whether the state has no permitted successors.
func (s WorkflowState) Terminal() bool { return len(s.NextStates) == 0 }

type ParActivity struct {
	ID       int64  `json:"id"`
	ParID    string `json:"par_id"`
	Activity string `json:"activity"`
	Status   string `json:"status"`
	Date     string `json:"date" format:"date-time"`
	User     string `json:"user"`
	Comments string `json:"comments,omitempty"`
}

// StateEntered is emitted after a PAR enters a new state. Delivery is
// fire-and-forget; the engine never waits on the notifier.
type StateEntered struct {
	ParID       string   `json:"par_id"`
	NewState    string   `json:"new_state"`
	Actor       string   `json:"actor"`
	NotifyRoles []string `json:"notify_roles,omitempty"`
	TS          string   `json:"ts" format:"date-time"`
}

type ChatSession struct {
	ChatID        string `json:"chat_id"`
	UserID        string `json:"user_id"`
	Summary       string `json:"summary,omitempty"`
	SchemaVersion int    `json:"schema_version"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// ChatMessage is one exchange: the user query and the assistant response it
// produced. ID is the session-scoped exchange number starting at 1.
type ChatMessage struct {
	ID        int64  `json:"id"`
	ChatID    string `json:"chat_id"`
	ParentID  int64  `json:"parent_id"`
	Query     string `json:"query"`
	Response  string `json:"response"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AssistanceLog is the per-turn telemetry record for the AI assistant.
type AssistanceLog struct {
	ID               int64  `json:"id"`
	UserID           string `json:"user_id"`
	ChatID           string `json:"chat_id"`
	Input            string `json:"input"`
	Index            string `json:"index,omitempty"`
	Query            string `json:"query,omitempty"`
	ResultCount      int    `json:"result_count"`
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	RetrievalMs      int64  `json:"retrieval_ms"`
	SummaryMs        int64  `json:"summary_ms"`
	ErrorKind        string `json:"error_kind,omitempty"`
	Env              string `json:"env,omitempty"`
	TS               string `json:"ts" format:"date-time"`
}

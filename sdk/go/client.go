package edssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal EDS HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkflowState is a catalog entry.
type WorkflowState struct {
	StateCode   string   `json:"state_code"`
	Description string   `json:"description,omitempty"`
	NextStates  []string `json:"next_state_codes"`
	NotifyRoles []string `json:"notify_roles,omitempty"`
}

// TransitResult is the outcome of a successful transition.
type TransitResult struct {
	Message  string `json:"message"`
	ParID    string `json:"par_id"`
	From     string `json:"from"`
	NewState string `json:"new_state"`
	CanView  bool   `json:"can_view"`
	CanEdit  bool   `json:"can_edit"`
}

// Activity is one ledger row.
type Activity struct {
	ID       int64  `json:"id"`
	ParID    string `json:"par_id"`
	Activity string `json:"activity"`
	Status   string `json:"status"`
	Date     string `json:"date"`
	User     string `json:"user"`
	Comments string `json:"comments,omitempty"`
}

// ChatResult is one assistant turn.
type ChatResult struct {
	Response        string `json:"response"`
	ChatID          string `json:"chat_id"`
	MessageID       int64  `json:"message_id"`
	ParentMessageID int64  `json:"parent_message_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// WorkflowStatuses lists the status catalog.
func (c *Client) WorkflowStatuses(ctx context.Context) ([]WorkflowState, error) {
	var resp []WorkflowState
	err := c.do(ctx, http.MethodGet, "v0/workflow-statuses", nil, &resp)
	return resp, err
}

// PossibleStatus returns the state codes a PAR may transition to.
func (c *Client) PossibleStatus(ctx context.Context, parID string) ([]string, error) {
	var resp []string
	endpoint := fmt.Sprintf("v0/par-status/%s/possible-status", url.PathEscape(parID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transit moves a PAR to the target state.
func (c *Client) Transit(ctx context.Context, parID, targetState string) (TransitResult, error) {
	var resp TransitResult
	endpoint := fmt.Sprintf("v0/par-status/%s/transit?target_state=%s",
		url.PathEscape(parID), url.QueryEscape(targetState))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// History returns a PAR's activity ledger, newest first.
func (c *Client) History(ctx context.Context, parID string) ([]Activity, error) {
	var resp []Activity
	endpoint := fmt.Sprintf("v0/par-status/%s/history", url.PathEscape(parID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Chat sends one question to the assistant. Pass chatID "" to start a new
// session; parentID 0 for the first turn.
func (c *Client) Chat(ctx context.Context, query, chatID string, parentID int64) (ChatResult, error) {
	body := map[string]any{
		"query": query,
	}
	if chatID != "" {
		body["chat_id"] = chatID
	}
	if parentID != 0 {
		body["parent_id"] = parentID
	}
	var resp ChatResult
	err := c.do(ctx, http.MethodPost, "v0/ai-assistant/chat", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"eds/internal/llm"
	"eds/internal/search"
)

// Searcher is the slice of the search client the agent needs.
type Searcher interface {
	Search(ctx context.Context, index string, q search.Query) ([]map[string]any, error)
}

// RetrievalAgent translates a validated question into one bounded query
// against exactly one named index. It never mutates the index, never reads
// metadata fields and never pages past the first window.
type RetrievalAgent struct {
	LLM      llm.Client
	Searcher Searcher
	Indices  []string
}

// RetrievalResult carries the matched source records and the query actually
// issued, for telemetry.
type RetrievalResult struct {
	Index    string
	RawQuery string
	Data     []map[string]any
	Usage    llm.Usage
	Provider string
	Model    string
}

const retrievalSystemPrompt = `You translate a user question about government grant data into exactly one search query.
Available indices: %s.
Index guide: "par" holds Project Authorization Requests (title, office, amount, status); "r100" holds R100 fund reports.
Respond with a single JSON object and nothing else:
{"index": "<one index name>", "body": {"size": <n, max 100>, "query": {<query DSL>}}}
The body must contain only the keys "size" and "query".`

type retrievalPlan struct {
	Index string          `json:"index"`
	Body  json.RawMessage `json:"body"`
}

// Retrieve plans and executes the query. A malformed plan gets one corrective
// retry before the agent gives up.
func (a RetrievalAgent) Retrieve(ctx context.Context, question string) (RetrievalResult, error) {
	system := fmt.Sprintf(retrievalSystemPrompt, strings.Join(a.Indices, ", "))

	var result RetrievalResult
	prompt := question
	var planErr error
	for attempt := 0; attempt < 2; attempt++ {
		completion, err := a.LLM.Complete(ctx, system, prompt)
		if err != nil {
			return result, fmt.Errorf("retrieval model: %w", err)
		}
		result.Usage.Add(completion.Usage)
		result.Provider = completion.Provider
		result.Model = completion.Model

		index, query, err := a.parsePlan(completion.Text)
		if err != nil {
			planErr = err
			prompt = fmt.Sprintf("%s\n\nYour previous response was invalid (%v). Respond with only the JSON object.", question, err)
			continue
		}

		docs, err := a.Searcher.Search(ctx, index, query)
		if err != nil {
			return result, fmt.Errorf("search execute: %w", err)
		}
		raw, _ := json.Marshal(query)
		result.Index = index
		result.RawQuery = string(raw)
		result.Data = docs
		return result, nil
	}
	return result, fmt.Errorf("retrieval plan invalid after retry: %w", planErr)
}

func (a RetrievalAgent) parsePlan(text string) (string, search.Query, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var plan retrievalPlan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return "", search.Query{}, fmt.Errorf("plan is not valid JSON")
	}
	if !a.indexAllowed(plan.Index) {
		return "", search.Query{}, fmt.Errorf("index %q is not available", plan.Index)
	}
	if len(plan.Body) == 0 {
		return "", search.Query{}, fmt.Errorf("missing query body")
	}
	q, err := search.ParseQuery(string(plan.Body))
	if err != nil {
		return "", search.Query{}, err
	}
	return plan.Index, q, nil
}

func (a RetrievalAgent) indexAllowed(index string) bool {
	for _, name := range a.Indices {
		if name == index {
			return true
		}
	}
	return false
}

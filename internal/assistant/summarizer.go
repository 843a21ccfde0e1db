package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"eds/internal/domain"
	"eds/internal/llm"
)

// SummarizerAgent turns retrieval output into the user-facing answer and
// maintains the rolling summary of older turns.
type SummarizerAgent struct {
	LLM llm.Client
}

const answerSystemPrompt = `You are an assistant for a government grants system. Answer the user's question using only the retrieved records below and the conversation summary.
Rules: do not mention queries, indices or internal field names; any numbers you state must come from the records; if the records do not answer the question, say so plainly.`

const compactSystemPrompt = `Condense the following conversation into a short summary that preserves entities, amounts and decisions. Respond with the summary text only.`

// Answer produces the assistant reply for one turn.
func (s SummarizerAgent) Answer(ctx context.Context, question string, docs []map[string]any, rollingSummary string) (string, llm.Usage, error) {
	var b strings.Builder
	if rollingSummary != "" {
		fmt.Fprintf(&b, "Conversation summary:\n%s\n\n", rollingSummary)
	}
	fmt.Fprintf(&b, "Retrieved records (%d):\n", len(docs))
	if len(docs) == 0 {
		b.WriteString("(none)\n")
	} else {
		data, err := json.Marshal(docs)
		if err != nil {
			return "", llm.Usage{}, fmt.Errorf("marshal records: %w", err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s", question)

	completion, err := s.LLM.Complete(ctx, answerSystemPrompt, b.String())
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("summarizer model: %w", err)
	}
	return completion.Text, completion.Usage, nil
}

// Compact folds the oldest turns plus the previous summary into a refreshed
// rolling summary, keeping prompt size bounded.
func (s SummarizerAgent) Compact(ctx context.Context, previousSummary string, oldest []domain.ChatMessage) (string, llm.Usage, error) {
	var b strings.Builder
	if previousSummary != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", previousSummary)
	}
	b.WriteString("Turns to fold in:\n")
	for _, m := range oldest {
		fmt.Fprintf(&b, "user: %s\nassistant: %s\n", m.Query, m.Response)
	}
	completion, err := s.LLM.Complete(ctx, compactSystemPrompt, b.String())
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("compact model: %w", err)
	}
	return completion.Text, completion.Usage, nil
}

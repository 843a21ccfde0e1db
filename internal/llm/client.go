package llm

import (
	"context"
	"time"
)

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Completion is the narrow adapter result the pipeline consumes: text plus
// enough metadata for telemetry.
type Completion struct {
	Text     string
	Usage    Usage
	Provider string
	Model    string
}

// Client is the provider adapter. Implementations must honor ctx cancellation
// and never leak raw provider errors into the completion text.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)
}

// Config holds provider selection and credentials, loaded from environment.
type Config struct {
	Provider string // "openai" or "anthropic"
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

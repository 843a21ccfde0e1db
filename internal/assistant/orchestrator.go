package assistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"eds/internal/domain"
	"eds/internal/llm"
	"eds/internal/repo"
)

const (
	retrievalTimeout = 30 * time.Second
	summaryTimeout   = 60 * time.Second
	retryBackoff     = 500 * time.Millisecond

	// keepRecent exchanges stay verbatim when the rolling summary refreshes.
	keepRecent = 2

	apologyMessage = "I'm sorry, I couldn't look that up right now. Please try again in a moment."
)

// ChatRequest is one user turn. ChatID "" or "0" allocates a new session.
type ChatRequest struct {
	UserID   string
	UserName string
	ChatID   string
	ParentID int64
	Query    string
}

type ChatResult struct {
	Response        string
	ChatID          string
	MessageID       int64
	ParentMessageID int64
}

// Orchestrator binds validator, retrieval and summarizer into one stateful
// conversation keyed by (user_id, chat_id). Turns within a session are
// serialized; a second in-flight turn is rejected with ErrBusy rather than
// queued.
type Orchestrator struct {
	Repo         repo.Repo
	Retrieval    RetrievalAgent
	Summarizer   SummarizerAgent
	Logger       *zap.Logger
	Env          string
	SummaryEvery int
	Now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	sem      *semaphore.Weighted
	lastUsed time.Time
}

func NewOrchestrator(r repo.Repo, retrieval RetrievalAgent, summarizer SummarizerAgent, logger *zap.Logger, env string, summaryEvery int) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if summaryEvery <= 0 {
		summaryEvery = 6
	}
	return &Orchestrator{
		Repo:         r,
		Retrieval:    retrieval,
		Summarizer:   summarizer,
		Logger:       logger,
		Env:          env,
		SummaryEvery: summaryEvery,
		Now:          time.Now,
		sessions:     map[string]*sessionState{},
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// sessionIdleTTL bounds the sessions map: an entry untouched this long is
// safe to drop because any turn it guarded finished well inside the stage
// timeouts.
const sessionIdleTTL = time.Hour

func (o *Orchestrator) sessionLock(userID, chatID string) *semaphore.Weighted {
	key := userID + "|" + chatID
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for k, s := range o.sessions {
		if k != key && now.Sub(s.lastUsed) >= sessionIdleTTL {
			delete(o.sessions, k)
		}
	}
	s, ok := o.sessions[key]
	if !ok {
		s = &sessionState{sem: semaphore.NewWeighted(1)}
		o.sessions[key] = s
	}
	s.lastUsed = now
	return s.sem
}

// Chat runs one full turn. Validation failures return before any agent or
// telemetry write happens.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	query, err := ValidateQuery(req.Query)
	if err != nil {
		return ChatResult{}, err
	}

	session, isNew, err := o.resolveSession(ctx, req)
	if err != nil {
		return ChatResult{}, err
	}

	sem := o.sessionLock(req.UserID, session.ChatID)
	if !sem.TryAcquire(1) {
		return ChatResult{}, ErrBusy
	}
	defer sem.Release(1)

	var messages []domain.ChatMessage
	if !isNew {
		messages, err = o.Repo.ListChatMessages(ctx, session.ChatID)
		if err != nil {
			return ChatResult{}, err
		}
	}

	turn := o.runAgents(ctx, query, session.Summary)

	var summary *string
	if turn.errKind == "" {
		if refreshed, ok := o.refreshSummary(ctx, session.Summary, messages, &turn.usage); ok {
			summary = &refreshed
		}
	}

	seq, err := o.Repo.AppendChatTurn(ctx, session.ChatID, req.ParentID, query, turn.answer, summary, o.now())
	if err != nil {
		return ChatResult{}, err
	}

	o.writeTelemetry(ctx, req, session.ChatID, query, turn)

	return ChatResult{
		Response:        turn.answer,
		ChatID:          session.ChatID,
		MessageID:       seq,
		ParentMessageID: req.ParentID,
	}, nil
}

type agentOutcome struct {
	answer      string
	index       string
	rawQuery    string
	resultCount int
	usage       llm.Usage
	provider    string
	model       string
	retrievalMs int64
	summaryMs   int64
	errKind     string
}

// runAgents executes retrieval then summarization with per-stage timeouts.
// Retrieval gets one automatic retry; any hard failure degrades to the canned
// apology instead of leaking partial answers or query shapes.
func (o *Orchestrator) runAgents(ctx context.Context, query, rollingSummary string) agentOutcome {
	var out agentOutcome

	start := time.Now()
	retrieval, err := o.retrieveWithRetry(ctx, query)
	out.retrievalMs = time.Since(start).Milliseconds()
	out.usage.Add(retrieval.Usage)
	out.provider = retrieval.Provider
	out.model = retrieval.Model
	if err != nil {
		o.Logger.Warn("retrieval failed", zap.Error(err))
		out.answer = apologyMessage
		out.errKind = "upstream_unavailable"
		return out
	}
	out.index = retrieval.Index
	out.rawQuery = retrieval.RawQuery
	out.resultCount = len(retrieval.Data)

	start = time.Now()
	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	answer, usage, err := o.Summarizer.Answer(sctx, query, retrieval.Data, rollingSummary)
	cancel()
	out.summaryMs = time.Since(start).Milliseconds()
	out.usage.Add(usage)
	if err != nil {
		o.Logger.Warn("summarizer failed", zap.Error(err))
		out.answer = apologyMessage
		out.errKind = "upstream_unavailable"
		return out
	}
	out.answer = answer
	return out
}

func (o *Orchestrator) retrieveWithRetry(ctx context.Context, query string) (RetrievalResult, error) {
	rctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	result, err := o.Retrieval.Retrieve(rctx, query)
	cancel()
	if err == nil || ctx.Err() != nil {
		return result, err
	}
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return result, ctx.Err()
	}
	rctx, cancel = context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()
	retried, rerr := o.Retrieval.Retrieve(rctx, query)
	retried.Usage.Add(result.Usage)
	return retried, rerr
}

// refreshSummary compacts older turns when the message count crosses the
// cadence. Each exchange counts as two messages, and the exchange about to be
// appended counts toward the total.
func (o *Orchestrator) refreshSummary(ctx context.Context, previous string, messages []domain.ChatMessage, usage *llm.Usage) (string, bool) {
	total := (len(messages) + 1) * 2
	if total < o.SummaryEvery || total%o.SummaryEvery != 0 {
		return "", false
	}
	oldest := messages
	if len(messages) > keepRecent {
		oldest = messages[:len(messages)-keepRecent]
	}
	if len(oldest) == 0 {
		return "", false
	}
	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	refreshed, u, err := o.Summarizer.Compact(sctx, previous, oldest)
	usage.Add(u)
	if err != nil {
		o.Logger.Warn("summary refresh failed", zap.Error(err))
		return "", false
	}
	return refreshed, true
}

func (o *Orchestrator) resolveSession(ctx context.Context, req ChatRequest) (domain.ChatSession, bool, error) {
	if req.ChatID == "" || req.ChatID == "0" {
		chatID := uuid.NewString()
		s, err := o.Repo.CreateChatSession(ctx, chatID, req.UserID, o.now())
		if err != nil {
			return domain.ChatSession{}, false, fmt.Errorf("create session: %w", err)
		}
		return s, true, nil
	}
	s, err := o.Repo.GetChatSession(ctx, req.ChatID, req.UserID)
	if err != nil {
		return domain.ChatSession{}, false, err
	}
	return s, false, nil
}

func (o *Orchestrator) writeTelemetry(ctx context.Context, req ChatRequest, chatID, query string, turn agentOutcome) {
	log := domain.AssistanceLog{
		UserID:           req.UserID,
		ChatID:           chatID,
		Input:            query,
		Index:            turn.index,
		Query:            turn.rawQuery,
		ResultCount:      turn.resultCount,
		Provider:         turn.provider,
		Model:            turn.model,
		PromptTokens:     turn.usage.PromptTokens,
		CompletionTokens: turn.usage.CompletionTokens,
		RetrievalMs:      turn.retrievalMs,
		SummaryMs:        turn.summaryMs,
		ErrorKind:        turn.errKind,
		Env:              o.Env,
		TS:               o.now().UTC().Format(time.RFC3339),
	}
	if _, err := o.Repo.InsertAssistanceLog(ctx, log); err != nil {
		o.Logger.Error("telemetry write failed", zap.Error(err))
	}
}

// History returns a session's messages for read-back.
func (o *Orchestrator) History(ctx context.Context, userID, chatID string) (domain.ChatSession, []domain.ChatMessage, error) {
	session, err := o.Repo.GetChatSession(ctx, chatID, userID)
	if err != nil {
		return domain.ChatSession{}, nil, err
	}
	messages, err := o.Repo.ListChatMessages(ctx, chatID)
	if err != nil {
		return domain.ChatSession{}, nil, err
	}
	return session, messages, nil
}

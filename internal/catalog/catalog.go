package catalog

import (
	"context"
	"sync"

	"eds/internal/domain"
	"eds/internal/repo"
)

// Catalog holds an in-process snapshot of the workflow state registry. Reads
// are lock-cheap; Refresh swaps the snapshot under a single writer. Callers
// that need freshness across instances re-read before guarded writes.
type Catalog struct {
	Repo repo.Repo

	mu     sync.RWMutex
	states map[string]domain.WorkflowState
}

func New(r repo.Repo) *Catalog {
	return &Catalog{Repo: r, states: map[string]domain.WorkflowState{}}
}

// Refresh re-reads the registry from the relational store.
func (c *Catalog) Refresh(ctx context.Context) error {
	list, err := c.Repo.ListWorkflowStates(ctx)
	if err != nil {
		return err
	}
	states := make(map[string]domain.WorkflowState, len(list))
	for _, s := range list {
		states[s.StateCode] = s
	}
	c.mu.Lock()
	c.states = states
	c.mu.Unlock()
	return nil
}

// ListStates returns all catalog entries, sorted by the store.
func (c *Catalog) ListStates(ctx context.Context) ([]domain.WorkflowState, error) {
	return c.Repo.ListWorkflowStates(ctx)
}

// Get returns the snapshot entry for a code.
func (c *Catalog) Get(code string) (domain.WorkflowState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[code]
	return s, ok
}

// Successors returns the permitted successor set for a code. Terminal and
// unknown states both yield an empty set; callers decide whether unknown is
// an error.
func (c *Catalog) Successors(code string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[code]
	if !ok {
		return nil
	}
	out := make([]string, len(s.NextStates))
	copy(out, s.NextStates)
	return out
}

// NotifyRoles returns the roles to inform when a PAR enters the state.
func (c *Catalog) NotifyRoles(code string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[code]
	if !ok {
		return nil
	}
	out := make([]string, len(s.NotifyRoles))
	copy(out, s.NotifyRoles)
	return out
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eds/internal/catalog"
	"eds/internal/config"
	"eds/internal/domain"
	"eds/internal/ledger"
	"eds/internal/notify"
	"eds/internal/repo"
)

// ErrInvalidTransition is a client error: the engine refused the transition
// and wrote nothing.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError carries the observed from/to pair so the boundary can
// show "Cannot transit from X to Y".
type InvalidTransitionError struct {
	ParID string
	From  string
	To    string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("Cannot transit from %s to %s", e.From, e.To)
}

func (e InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Catalog  *catalog.Catalog
	Ledger   ledger.Ledger
	Notifier notify.Notifier
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, notifier notify.Notifier) Engine {
	r := repo.Repo{DB: db}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Catalog:  catalog.New(r),
		Ledger:   ledger.Ledger{DB: db},
		Notifier: notifier,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CurrentStatus resolves a PAR's status from its latest ledger entry.
func (e Engine) CurrentStatus(ctx context.Context, parID string) (string, error) {
	return e.Ledger.LatestStatus(ctx, parID)
}

// PossibleTransitions answers "what can this PAR become next?". The set
// depends only on the current state, never on the PAR itself.
func (e Engine) PossibleTransitions(ctx context.Context, parID string) ([]string, error) {
	current, err := e.Ledger.LatestStatus(ctx, parID)
	if err != nil {
		return nil, err
	}
	return e.Catalog.Successors(current), nil
}

// CanTransit reports whether target is a permitted successor of current.
func (e Engine) CanTransit(current, target string) bool {
	for _, next := range e.Catalog.Successors(current) {
		if next == target {
			return true
		}
	}
	return false
}

// CanView and CanEdit are policy hooks. Both are total today; a policy
// component can refine them without changing callers.
func (e Engine) CanView(state string) bool { return true }
func (e Engine) CanEdit(state string) bool { return true }

// TransitResult reports the outcome of a successful transition.
type TransitResult struct {
	ParID    string
	From     string
	NewState string
	CanView  bool
	CanEdit  bool
	EntryID  int64
}

// Transit performs the guarded append: read the current status inside a write
// transaction, check the catalog, and write the new ledger entry. Concurrent
// transits on one PAR serialize on the store; the loser re-reads a current
// that has advanced and fails the guard. Either a new entry is the latest, or
// nothing changed.
func (e Engine) Transit(ctx context.Context, parID, target, actor string) (TransitResult, error) {
	if _, ok := e.Catalog.Get(target); !ok {
		// Retry against a fresh snapshot before refusing; the catalog may be stale.
		if err := e.Catalog.Refresh(ctx); err != nil {
			return TransitResult{}, err
		}
		if _, ok := e.Catalog.Get(target); !ok {
			return TransitResult{}, fmt.Errorf("unknown target state %s: %w", target, repo.ErrNotFound)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitResult{}, err
	}
	defer tx.Rollback()

	current, found, err := e.Ledger.LatestStatusTx(ctx, tx, parID)
	if err != nil {
		return TransitResult{}, err
	}
	// A PAR with no history may record Draft as its first explicit entry.
	firstDraft := !found && target == domain.DraftState
	if !firstDraft && !e.CanTransit(current, target) {
		return TransitResult{}, InvalidTransitionError{ParID: parID, From: current, To: target}
	}
	activity := fmt.Sprintf("state change: %s → %s", current, target)
	entryID, err := e.Ledger.Append(ctx, tx, parID, target, actor, activity, "")
	if err != nil {
		return TransitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitResult{}, err
	}

	e.Notifier.StateEntered(ctx, domain.StateEntered{
		ParID:       parID,
		NewState:    target,
		Actor:       actor,
		NotifyRoles: e.Catalog.NotifyRoles(target),
		TS:          e.now().UTC().Format(time.RFC3339),
	})

	return TransitResult{
		ParID:    parID,
		From:     current,
		NewState: target,
		CanView:  e.CanView(target),
		CanEdit:  e.CanEdit(target),
		EntryID:  entryID,
	}, nil
}

// History returns the audit trail for a PAR, newest first.
func (e Engine) History(ctx context.Context, parID string) ([]domain.ParActivity, error) {
	return e.Ledger.History(ctx, parID)
}

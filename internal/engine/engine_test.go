package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eds/internal/config"
	"eds/internal/db"
	"eds/internal/domain"
	"eds/internal/engine"
	"eds/internal/migrate"
	"eds/internal/repo"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []domain.StateEntered
}

func (n *captureNotifier) StateEntered(_ context.Context, evt domain.StateEntered) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *captureNotifier) all() []domain.StateEntered {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.StateEntered(nil), n.events...)
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *captureNotifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	ctx := context.Background()
	if err := (repo.Repo{DB: conn}).SeedWorkflowStates(ctx, cfg); err != nil {
		t.Fatalf("seed states: %v", err)
	}
	notifier := &captureNotifier{}
	eng := engine.New(conn, cfg, notifier)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := eng.Catalog.Refresh(ctx); err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}
	return testEnv{Engine: eng, Notifier: notifier, Ctx: ctx}
}

func TestStatusDefaultsToDraft(t *testing.T) {
	env := newTestEnv(t)
	status, err := env.Engine.CurrentStatus(env.Ctx, "PAR-001")
	if err != nil {
		t.Fatalf("current status: %v", err)
	}
	if status != "Draft" {
		t.Fatalf("expected Draft, got %s", status)
	}
	possible, err := env.Engine.PossibleTransitions(env.Ctx, "PAR-001")
	if err != nil {
		t.Fatalf("possible transitions: %v", err)
	}
	if len(possible) != 2 {
		t.Fatalf("expected Submitted and Cancelled, got %v", possible)
	}
}

func TestGuardedTransit(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Transit(env.Ctx, "PAR-001", "Submitted", "tester")
	if err != nil {
		t.Fatalf("to Submitted: %v", err)
	}
	if res.From != "Draft" || res.NewState != "Submitted" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.CanView || !res.CanEdit {
		t.Fatalf("expected view/edit allowed")
	}
	status, _ := env.Engine.CurrentStatus(env.Ctx, "PAR-001")
	if status != "Submitted" {
		t.Fatalf("expected Submitted, got %s", status)
	}

	// Approved is not a successor of Submitted.
	_, err = env.Engine.Transit(env.Ctx, "PAR-001", "Approved", "tester")
	if err == nil {
		t.Fatalf("expected transition error")
	}
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if got, want := ite.Error(), "Cannot transit from Submitted to Approved"; got != want {
		t.Fatalf("message %q, want %q", got, want)
	}

	// Refused transit writes nothing.
	n, err := env.Engine.Ledger.Count(env.Ctx, "PAR-001")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", n)
	}
}

func TestTransitUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Transit(env.Ctx, "PAR-001", "Bogus", "tester")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestFirstExplicitDraftEntry(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Transit(env.Ctx, "PAR-002", "Draft", "tester")
	if err != nil {
		t.Fatalf("expected Draft allowed on empty ledger: %v", err)
	}
	if res.NewState != "Draft" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Draft is not its own successor once an entry exists.
	if _, err := env.Engine.Transit(env.Ctx, "PAR-002", "Draft", "tester"); err == nil {
		t.Fatalf("expected second Draft entry refused")
	}
}

func TestConcurrentTransitSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transit(env.Ctx, "PAR-001", "Submitted", "tester")
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	n, err := env.Engine.Ledger.Count(env.Ctx, "PAR-001")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", n)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	steps := []string{"Submitted", "UnderReview", "Approved"}
	for _, target := range steps {
		if _, err := env.Engine.Transit(env.Ctx, "PAR-001", target, "tester"); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}
	items, err := env.Engine.History(env.Ctx, "PAR-001")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != len(steps) {
		t.Fatalf("expected %d entries, got %d", len(steps), len(items))
	}
	if items[0].Status != "Approved" || items[len(items)-1].Status != "Submitted" {
		t.Fatalf("unexpected order: %+v", items)
	}
	for _, a := range items {
		if a.User != "tester" {
			t.Fatalf("expected actor recorded, got %q", a.User)
		}
	}
}

func TestLatestStatusMapBatch(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Transit(env.Ctx, "PAR-001", "Submitted", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transit(env.Ctx, "PAR-001", "UnderReview", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transit(env.Ctx, "PAR-002", "Submitted", "tester"); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.Ledger.LatestStatusMap(env.Ctx, []string{"PAR-001", "PAR-002", "PAR-404"})
	if err != nil {
		t.Fatalf("latest status map: %v", err)
	}
	if m["PAR-001"] != "UnderReview" || m["PAR-002"] != "Submitted" || m["PAR-404"] != "Draft" {
		t.Fatalf("unexpected map: %v", m)
	}
	empty, err := env.Engine.Ledger.LatestStatusMap(env.Ctx, nil)
	if err != nil {
		t.Fatalf("empty input: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty map, got %v", empty)
	}
}

func TestTerminalStateHasNoTransitions(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{"Submitted", "UnderReview", "Approved", "Closed"} {
		if _, err := env.Engine.Transit(env.Ctx, "PAR-001", target, "tester"); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}
	possible, err := env.Engine.PossibleTransitions(env.Ctx, "PAR-001")
	if err != nil {
		t.Fatalf("possible transitions: %v", err)
	}
	if len(possible) != 0 {
		t.Fatalf("expected no successors from Closed, got %v", possible)
	}
	if _, err := env.Engine.Transit(env.Ctx, "PAR-001", "Draft", "tester"); err == nil {
		t.Fatalf("expected transit out of terminal state refused")
	}
}

func TestNotifierReceivesStateEntered(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Transit(env.Ctx, "PAR-001", "Submitted", "tester"); err != nil {
		t.Fatal(err)
	}
	events := env.Notifier.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.ParID != "PAR-001" || evt.NewState != "Submitted" || evt.Actor != "tester" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if len(evt.NotifyRoles) != 1 || evt.NotifyRoles[0] != "grants-intake" {
		t.Fatalf("expected grants-intake role, got %v", evt.NotifyRoles)
	}

	// A refused transition emits nothing.
	_, _ = env.Engine.Transit(env.Ctx, "PAR-001", "Closed", "tester")
	if got := len(env.Notifier.all()); got != 1 {
		t.Fatalf("expected no event for refused transit, got %d", got)
	}
}

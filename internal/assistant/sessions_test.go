package assistant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eds/internal/repo"
)

func TestSessionLockEvictsIdleEntries(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewOrchestrator(repo.Repo{}, RetrievalAgent{}, SummarizerAgent{}, nil, "test", 6)
	o.Now = func() time.Time { return clock }

	o.sessionLock("u1", "c1")
	o.sessionLock("u2", "c2")

	clock = clock.Add(sessionIdleTTL)
	live := o.sessionLock("u3", "c3")
	require.NotNil(t, live)

	o.mu.Lock()
	n := len(o.sessions)
	o.mu.Unlock()
	assert.Equal(t, 1, n, "idle session entries must be evicted")

	// A recently used entry keeps its semaphore identity across lookups.
	assert.Same(t, live, o.sessionLock("u3", "c3"))
}

func TestSessionLockKeepsActiveEntry(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewOrchestrator(repo.Repo{}, RetrievalAgent{}, SummarizerAgent{}, nil, "test", 6)
	o.Now = func() time.Time { return clock }

	busy := o.sessionLock("u1", "c1")
	require.True(t, busy.TryAcquire(1))
	defer busy.Release(1)

	clock = clock.Add(sessionIdleTTL / 2)
	o.sessionLock("u2", "c2")

	// Half the TTL has passed; the first entry is still tracked.
	assert.Same(t, busy, o.sessionLock("u1", "c1"))
}

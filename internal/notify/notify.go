package notify

import (
	"context"

	"go.uber.org/zap"

	"eds/internal/domain"
)

// Notifier receives StateEntered events after a successful transition.
// Implementations must not block the caller; the engine treats delivery as
// fire-and-forget.
type Notifier interface {
	StateEntered(ctx context.Context, evt domain.StateEntered)
}

// LogNotifier records role notifications in the service log. It stands in for
// a real delivery channel (email, queue) and is the default wiring.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) StateEntered(_ context.Context, evt domain.StateEntered) {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("state entered",
		zap.String("par_id", evt.ParID),
		zap.String("new_state", evt.NewState),
		zap.String("actor", evt.Actor),
		zap.Strings("notify_roles", evt.NotifyRoles))
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) StateEntered(context.Context, domain.StateEntered) {}

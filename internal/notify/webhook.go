package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"eds/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// WebhookConfig describes one delivery target for state notifications.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Roles  []string `yaml:"roles"`
}

// WebhookNotifier posts StateEntered events to configured endpoints from a
// background worker. Enqueueing never blocks the engine; events are dropped
// with a log line when the queue is full.
type WebhookNotifier struct {
	hooks  []WebhookConfig
	client *http.Client
	logger *zap.Logger
	queue  chan domain.StateEntered
	done   chan struct{}
}

func NewWebhookNotifier(hooks []WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &WebhookNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
		queue:  make(chan domain.StateEntered, defaultWebhookQueue),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *WebhookNotifier) StateEntered(_ context.Context, evt domain.StateEntered) {
	select {
	case n.queue <- evt:
	default:
		n.logger.Warn("webhook queue full, dropping notification",
			zap.String("par_id", evt.ParID), zap.String("new_state", evt.NewState))
	}
}

// Close stops the worker after draining queued events.
func (n *WebhookNotifier) Close() {
	close(n.queue)
	<-n.done
}

func (n *WebhookNotifier) run() {
	defer close(n.done)
	for evt := range n.queue {
		for _, hook := range n.hooks {
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			if !rolesOverlap(hook.Roles, evt.NotifyRoles) {
				continue
			}
			if err := n.post(hook, evt); err != nil {
				n.logger.Warn("webhook delivery failed",
					zap.String("url", hook.URL), zap.String("par_id", evt.ParID), zap.Error(err))
			}
		}
	}
}

func (n *WebhookNotifier) post(hook WebhookConfig, evt domain.StateEntered) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EDS-Event", "par.state_entered")
	req.Header.Set("X-EDS-Par", evt.ParID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-EDS-Secret", hook.Secret)
	}
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &deliveryError{status: res.StatusCode}
	}
	return nil
}

// rolesOverlap reports whether the hook subscribes to any of the event roles.
// A hook with no role filter receives everything.
func rolesOverlap(filter, roles []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		for _, r := range roles {
			if f == r {
				return true
			}
		}
	}
	return false
}

type deliveryError struct {
	status int
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

// Package notify forwards emergency events to an external webhook.
//
// Delivery is fire-and-forget: transport errors are logged and dropped, and
// never touch core state. The platform owns actual contact delivery (email,
// pager); this notifier just hands the event over the wall.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"riskcore/internal/bus"
	"riskcore/internal/config"
)

// Notifier POSTs emergency events as JSON to a configured webhook URL.
type Notifier struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// New creates a notifier. Returns nil when no webhook URL is configured;
// a nil notifier is safe to ignore.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	if cfg.WebhookURL == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &Notifier{
		http:   client,
		url:    cfg.WebhookURL,
		logger: logger.With("component", "notify"),
	}
}

// Run consumes emergency events from the bus until the context is
// cancelled. Each event is posted on its own goroutine so a slow transport
// never backs up the core.
func (n *Notifier) Run(ctx context.Context, b *bus.Bus) {
	events := b.Subscribe(bus.EmergencyNotification, bus.KillSwitchTriggered)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			go n.post(ctx, evt)
		}
	}
}

func (n *Notifier) post(ctx context.Context, evt bus.Event) {
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(evt).
		Post(n.url)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "event", evt.Type, "error", err)
		return
	}
	if resp.StatusCode() >= 300 {
		n.logger.Warn("webhook rejected event", "event", evt.Type, "status", resp.StatusCode())
		return
	}
	n.logger.Info("emergency event delivered", "event", evt.Type)
}

// Package bus is the in-process publish/subscribe conduit between the risk
// core's components and its collaborators. Delivery is synchronous on the
// publishing goroutine: each subscriber owns a buffered channel and slow
// subscribers lose events rather than block the core.
//
// A Bus is instantiated per risk manager; there are no package-level
// singletons. Subscribers must treat delivered payloads as immutable.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Contract-stable event names. Collaborators match on these strings.
const (
	PositionAdded          = "position-added"
	PositionUpdated        = "position-updated"
	PositionRemoved        = "position-removed"
	PositionSized          = "position-sized"
	TradeResult            = "trade-result"
	RiskAlert              = "risk-alert"
	RiskReportGenerated    = "risk-report-generated"
	StressTestCompleted    = "stress-test-completed"
	KillSwitchTriggered    = "kill-switch-triggered"
	KillSwitchReset        = "kill-switch-reset"
	GracefulStopBot        = "graceful-stop-bot"
	ForceStopBot           = "force-stop-bot"
	BotStopped             = "bot-stopped"
	EmergencyClosePosition = "emergency-close-position"
	EmergencyNotification  = "emergency-notification"
	DailyReset             = "daily-reset"
	HealthCheck            = "health-check"
	ConfigUpdated          = "config-updated"
	PortfolioValueUpdated  = "portfolio-value-updated"
	DrawdownUpdated        = "drawdown-updated"
)

// Event wraps a typed payload with its name and emission time.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// subscription carries one subscriber's channel and its type filter
// (nil filter = all events).
type subscription struct {
	ch     chan Event
	filter map[string]bool
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "bus")}
}

// Subscribe returns a channel receiving only the named event types.
// The channel is buffered; events are dropped when it is full.
func (b *Bus) Subscribe(eventTypes ...string) <-chan Event {
	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	return b.add(&subscription{ch: make(chan Event, 64), filter: filter})
}

// SubscribeAll returns a channel receiving every published event.
func (b *Bus) SubscribeAll() <-chan Event {
	return b.add(&subscription{ch: make(chan Event, 64)})
}

func (b *Bus) add(sub *subscription) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers the event to every matching subscriber. Non-blocking:
// a full subscriber channel drops the event with a warning.
func (b *Bus) Publish(eventType string, payload any) {
	evt := Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[eventType] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("subscriber channel full, dropping event", "event", eventType)
		}
	}
}

// Close releases all subscribers. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

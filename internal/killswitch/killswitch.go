// Package killswitch implements the emergency trading stop: a state machine
// that tracks daily loss, drawdown, and failure streaks, blocks trading
// authorization once triggered, and coordinates graceful-then-forced
// shutdown of registered trading agents.
//
// States: normal → (trigger) → recovery or emergency → (reset) → recovery
// → (30s) → normal. A critical trigger goes straight to emergency and
// force-stops every agent; lower severities give each agent a graceful
// window before escalating.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"riskcore/internal/bus"
	"riskcore/internal/config"
	"riskcore/pkg/types"
)

// Mode is the kill-switch operating mode.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeRecovery  Mode = "recovery"
	ModeEmergency Mode = "emergency"
)

// Operations checked by IsOperationAllowed.
const (
	OpTrade = "trade"
	OpStop  = "stop"
)

// recoveryWindow is how long the switch stays in recovery after a reset
// before returning to normal.
const recoveryWindow = 30 * time.Second

// historyLimit bounds the retained trigger-event history.
const historyLimit = 50

// TriggerEvent records one kill-switch activation.
type TriggerEvent struct {
	ID                  string         `json:"id"`
	Timestamp           time.Time      `json:"timestamp"`
	Reason              string         `json:"reason"`
	Severity            types.Severity `json:"severity"`
	DailyLoss           float64        `json:"daily_loss"`
	CurrentDrawdown     float64        `json:"current_drawdown"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
}

// StopCommand is the payload of graceful-stop-bot and force-stop-bot events.
type StopCommand struct {
	BotID   string        `json:"bot_id"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Notification is the payload of emergency-notification events.
type Notification struct {
	Contacts []string     `json:"contacts"`
	Event    TriggerEvent `json:"event"`
}

// ResetEvent is the payload of kill-switch-reset events.
type ResetEvent struct {
	Reason  string    `json:"reason"`
	ResetBy string    `json:"reset_by"`
	At      time.Time `json:"at"`
}

// Status is an immutable snapshot of kill-switch state.
type Status struct {
	Active              bool           `json:"active"`
	Triggered           bool           `json:"triggered"`
	Mode                Mode           `json:"mode"`
	DailyLoss           float64        `json:"daily_loss"`
	CurrentDrawdown     float64        `json:"current_drawdown"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	RegisteredAgents    []string       `json:"registered_agents"`
	TriggeredAt         time.Time      `json:"triggered_at,omitempty"`
	LastTrigger         *TriggerEvent  `json:"last_trigger,omitempty"`
	History             []TriggerEvent `json:"history,omitempty"`
}

// agentState holds the shutdown timers for one registered agent.
// Both timers are cancelled when the agent confirms it stopped.
type agentState struct {
	graceful *time.Timer
	force    *time.Timer
}

// marketConditions feeds the enhanced auto-triggers.
type marketConditions struct {
	set         bool
	volatility  float64
	liquidity   float64
	correlation float64
}

// Switch is the kill-switch state machine. All public methods are
// mutex-serialized; timers re-enter through the same lock.
type Switch struct {
	mu     sync.Mutex
	cfg    config.KillSwitchConfig
	bus    *bus.Bus
	logger *slog.Logger

	portfolioValue float64

	active    bool
	triggered bool
	mode      Mode

	dailyLoss           float64
	drawdown            float64
	consecutiveFailures int
	drawdownSince       time.Time // first uncleared drawdown, for recovery-time trigger

	agents  map[string]*agentState
	history []TriggerEvent

	recoveryTimer *time.Timer
	triggeredAt   time.Time
	lastResetDay  time.Time // UTC midnight of the last daily reset

	market marketConditions

	cron *cron.Cron
}

// New creates a kill switch. The config is validated; portfolioValue must be
// positive.
func New(cfg config.KillSwitchConfig, portfolioValue float64, b *bus.Bus, logger *slog.Logger) (*Switch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !(portfolioValue > 0) {
		return nil, fmt.Errorf("%w: portfolio value must be > 0, got %v", types.ErrInvalidInput, portfolioValue)
	}

	s := &Switch{
		cfg:            cfg,
		bus:            b,
		logger:         logger.With("component", "killswitch"),
		portfolioValue: portfolioValue,
		active:         true,
		mode:           ModeNormal,
		agents:         make(map[string]*agentState),
		cron:           cron.New(cron.WithLocation(time.UTC)),
	}

	// Daily counters zero at every UTC midnight.
	if _, err := s.cron.AddFunc("0 0 * * *", s.ResetDailyCounters); err != nil {
		return nil, fmt.Errorf("schedule daily reset: %w", err)
	}
	return s, nil
}

// Run starts the daily-reset schedule and the health tick, and consumes
// bot-stopped confirmations from the bus until the context is cancelled.
func (s *Switch) Run(ctx context.Context) {
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	stopped := s.bus.Subscribe(bus.BotStopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthTick()
		case evt, ok := <-stopped:
			if !ok {
				return
			}
			if cmd, ok := evt.Payload.(StopCommand); ok {
				s.ConfirmStopped(cmd.BotID)
			}
		}
	}
}

// Trigger activates the kill switch. A critical severity enters emergency
// mode and force-stops every agent immediately; anything lower enters
// recovery mode and starts the graceful shutdown protocol. Triggering an
// already-triggered switch is a no-op that emits a duplicate warning.
func (s *Switch) Trigger(reason string, severity types.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerLocked(reason, severity)
}

func (s *Switch) triggerLocked(reason string, severity types.Severity) {
	if s.triggered {
		s.logger.Warn("duplicate kill-switch trigger ignored", "reason", reason, "severity", severity)
		s.bus.Publish(bus.RiskAlert, types.Alert{
			ID:        uuid.NewString(),
			Type:      "kill_switch_duplicate",
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("kill switch already triggered, ignoring: %s", reason),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	s.triggered = true
	s.triggeredAt = time.Now().UTC()
	if severity == types.SeverityCritical {
		s.mode = ModeEmergency
	} else {
		s.mode = ModeRecovery
	}

	event := TriggerEvent{
		ID:                  uuid.NewString(),
		Timestamp:           time.Now().UTC(),
		Reason:              reason,
		Severity:            severity,
		DailyLoss:           s.dailyLoss,
		CurrentDrawdown:     s.drawdown,
		ConsecutiveFailures: s.consecutiveFailures,
	}
	s.history = append(s.history, event)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}

	s.logger.Error("KILL SWITCH TRIGGERED",
		"reason", reason,
		"severity", severity,
		"mode", s.mode,
		"daily_loss", s.dailyLoss,
		"drawdown", s.drawdown,
	)
	s.bus.Publish(bus.KillSwitchTriggered, event)

	if severity == types.SeverityCritical {
		s.forceStopAllLocked()
	} else {
		s.beginGracefulShutdownLocked()
	}

	if len(s.cfg.EmergencyContacts) > 0 {
		s.bus.Publish(bus.EmergencyNotification, Notification{
			Contacts: append([]string(nil), s.cfg.EmergencyContacts...),
			Event:    event,
		})
	}
}

// forceStopAllLocked commands an immediate stop for every agent and
// deregisters them.
func (s *Switch) forceStopAllLocked() {
	for id, st := range s.agents {
		st.cancel()
		s.bus.Publish(bus.ForceStopBot, StopCommand{BotID: id})
		delete(s.agents, id)
	}
}

// beginGracefulShutdownLocked gives each agent a graceful window plus an
// independent absolute force cap.
func (s *Switch) beginGracefulShutdownLocked() {
	for id, st := range s.agents {
		st.cancel()
		s.bus.Publish(bus.GracefulStopBot, StopCommand{
			BotID:   id,
			Timeout: s.cfg.GracefulShutdownTimeout,
		})

		agentID := id
		st.graceful = time.AfterFunc(s.cfg.GracefulShutdownTimeout, func() {
			s.escalate(agentID)
		})
		st.force = time.AfterFunc(s.cfg.ForceShutdownAfter, func() {
			s.escalate(agentID)
		})
	}
}

// escalate force-stops an agent whose graceful window (or the absolute cap)
// expired without a bot-stopped confirmation.
func (s *Switch) escalate(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[agentID]
	if !ok {
		return
	}
	st.cancel()
	delete(s.agents, agentID)

	s.logger.Warn("agent did not confirm stop in time, forcing", "bot_id", agentID)
	s.bus.Publish(bus.ForceStopBot, StopCommand{BotID: agentID})
}

func (st *agentState) cancel() {
	if st.graceful != nil {
		st.graceful.Stop()
		st.graceful = nil
	}
	if st.force != nil {
		st.force.Stop()
		st.force = nil
	}
}

// Reset clears the triggered flag and enters recovery; after 30 seconds the
// switch returns to normal.
func (s *Switch) Reset(reason, resetBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.triggered {
		return
	}

	s.triggered = false
	s.mode = ModeRecovery
	s.triggeredAt = time.Time{}
	for _, st := range s.agents {
		st.cancel()
	}
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
	}
	s.recoveryTimer = time.AfterFunc(recoveryWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.triggered && s.mode == ModeRecovery {
			s.mode = ModeNormal
			s.logger.Info("kill switch back to normal mode")
		}
	})

	s.logger.Info("kill switch reset", "reason", reason, "by", resetBy)
	s.bus.Publish(bus.KillSwitchReset, ResetEvent{Reason: reason, ResetBy: resetBy, At: time.Now().UTC()})
}

// RegisterAgent adds a trading agent to the shutdown protocol.
func (s *Switch) RegisterAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		s.agents[id] = &agentState{}
	}
}

// UnregisterAgent removes an agent and cancels its shutdown timers.
func (s *Switch) UnregisterAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.agents[id]; ok {
		st.cancel()
		delete(s.agents, id)
	}
}

// ConfirmStopped records an agent's bot-stopped confirmation, cancelling its
// pending shutdown timers so no force-stop is emitted for it.
func (s *Switch) ConfirmStopped(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.agents[id]; ok {
		st.cancel()
		s.logger.Info("agent confirmed stop", "bot_id", id)
	}
}

// ReportLoss adds a realized loss (USD, positive) to the daily counter and
// updates the drawdown high-water mark.
func (s *Switch) ReportLoss(amount float64) {
	if amount < 0 {
		amount = -amount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyLoss += amount
	dd := s.dailyLoss / s.portfolioValue * 100
	if dd > s.drawdown {
		s.drawdown = dd
		if s.drawdownSince.IsZero() {
			s.drawdownSince = time.Now()
		}
		s.bus.Publish(bus.DrawdownUpdated, map[string]float64{
			"current_drawdown": s.drawdown,
			"daily_loss":       s.dailyLoss,
		})
	}
	s.checkAutoTriggersLocked()
}

// ReportFailure increments the consecutive-failure streak.
func (s *Switch) ReportFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFailures++
	s.checkAutoTriggersLocked()
}

// ReportSuccess zeroes the consecutive-failure streak.
func (s *Switch) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

// UpdateMarketConditions feeds the enhanced auto-triggers with current
// market-wide volatility, liquidity, and average correlation.
func (s *Switch) UpdateMarketConditions(volatility, liquidity, correlation float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.market = marketConditions{set: true, volatility: volatility, liquidity: liquidity, correlation: correlation}
	s.checkAutoTriggersLocked()
}

func (s *Switch) checkAutoTriggersLocked() {
	if !s.cfg.EnableAutoTrigger || s.triggered {
		return
	}

	if s.dailyLoss >= s.cfg.MaxDailyLoss {
		s.triggerLocked(
			fmt.Sprintf("Daily loss limit exceeded: %.2f >= %.2f", s.dailyLoss, s.cfg.MaxDailyLoss),
			types.SeverityHigh,
		)
		return
	}
	if s.drawdown >= s.cfg.MaxDrawdown {
		s.triggerLocked(
			fmt.Sprintf("Maximum drawdown exceeded: %.2f%% >= %.2f%%", s.drawdown, s.cfg.MaxDrawdown),
			types.SeverityHigh,
		)
		return
	}
	if s.consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
		s.triggerLocked(
			fmt.Sprintf("Consecutive failure limit exceeded: %d >= %d", s.consecutiveFailures, s.cfg.MaxConsecutiveFailures),
			types.SeverityMedium,
		)
		return
	}

	if !s.cfg.EnableEnhancedMonitoring || !s.market.set {
		return
	}
	if s.market.volatility > s.cfg.VolatilityThreshold {
		s.triggerLocked(
			fmt.Sprintf("Market volatility above threshold: %.2f > %.2f", s.market.volatility, s.cfg.VolatilityThreshold),
			types.SeverityHigh,
		)
		return
	}
	if s.market.liquidity < s.cfg.LiquidityThreshold {
		s.triggerLocked(
			fmt.Sprintf("Market liquidity below threshold: %.2f < %.2f", s.market.liquidity, s.cfg.LiquidityThreshold),
			types.SeverityMedium,
		)
		return
	}
	if s.market.correlation > s.cfg.CorrelationThreshold {
		s.triggerLocked(
			fmt.Sprintf("Portfolio correlation above threshold: %.2f > %.2f", s.market.correlation, s.cfg.CorrelationThreshold),
			types.SeverityMedium,
		)
		return
	}
	if !s.drawdownSince.IsZero() && time.Since(s.drawdownSince) > s.cfg.RecoveryTimeLimit {
		s.triggerLocked(
			fmt.Sprintf("Drawdown unresolved for longer than %s", s.cfg.RecoveryTimeLimit),
			types.SeverityMedium,
		)
	}
}

// IsOperationAllowed reports whether the named operation may proceed.
// Stop operations are always allowed while the switch is active.
func (s *Switch) IsOperationAllowed(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	if s.triggered && op != OpStop {
		return false
	}
	if s.mode == ModeEmergency && op != OpStop {
		return false
	}
	return true
}

// ResetDailyCounters zeroes the daily loss and drawdown counters. Runs at
// every UTC midnight; calling it again within the same UTC day leaves the
// counters at zero without emitting another daily-reset event.
func (s *Switch) ResetDailyCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	alreadyReset := s.lastResetDay.Equal(today)

	s.dailyLoss = 0
	s.drawdown = 0
	s.drawdownSince = time.Time{}

	if alreadyReset {
		return
	}
	s.lastResetDay = today
	s.logger.Info("daily risk counters reset")
	s.bus.Publish(bus.DailyReset, Status{
		Active:              s.active,
		Triggered:           s.triggered,
		Mode:                s.mode,
		ConsecutiveFailures: s.consecutiveFailures,
	})
}

// healthTick publishes the current status and re-evaluates auto-triggers.
func (s *Switch) healthTick() {
	s.mu.Lock()
	s.checkAutoTriggersLocked()
	status := s.statusLocked()
	s.mu.Unlock()

	s.bus.Publish(bus.HealthCheck, status)
}

// SetPortfolioValue updates the base for drawdown percentages.
func (s *Switch) SetPortfolioValue(v float64) {
	if !(v > 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolioValue = v
}

// UpdateConfig validates and swaps the configuration.
func (s *Switch) UpdateConfig(cfg config.KillSwitchConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.bus.Publish(bus.ConfigUpdated, map[string]string{"component": "kill_switch"})
	return nil
}

// Status returns an immutable snapshot reflecting all prior mutations.
func (s *Switch) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Switch) statusLocked() Status {
	agents := make([]string, 0, len(s.agents))
	for id := range s.agents {
		agents = append(agents, id)
	}

	st := Status{
		Active:              s.active,
		Triggered:           s.triggered,
		Mode:                s.mode,
		DailyLoss:           s.dailyLoss,
		CurrentDrawdown:     s.drawdown,
		ConsecutiveFailures: s.consecutiveFailures,
		RegisteredAgents:    agents,
		TriggeredAt:         s.triggeredAt,
	}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		st.LastTrigger = &last
		st.History = append([]TriggerEvent(nil), s.history...)
	}
	return st
}

// Destroy cancels every outstanding timer and deactivates the switch.
// All operations are denied afterwards.
func (s *Switch) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.agents {
		st.cancel()
	}
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
	}
	s.cron.Stop()
	s.active = false
}

package killswitch

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"riskcore/internal/bus"
	"riskcore/internal/config"
	"riskcore/pkg/types"
)

func testKillConfig() config.KillSwitchConfig {
	return config.KillSwitchConfig{
		EnableAutoTrigger:       true,
		MaxDailyLoss:            1000,
		MaxDrawdown:             15,
		MaxConsecutiveFailures:  3,
		GracefulShutdownTimeout: 50 * time.Millisecond,
		ForceShutdownAfter:      500 * time.Millisecond,
	}
}

func newTestSwitch(t *testing.T) (*Switch, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	s, err := New(testKillConfig(), 100_000, b, logger)
	if err != nil {
		t.Fatalf("new switch: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s, b
}

func drain(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestDailyLossAutoTrigger(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	events := b.Subscribe(bus.KillSwitchTriggered)

	// Losses 300 + 400 do not breach the 1000 ceiling.
	s.ReportLoss(300)
	s.ReportLoss(400)
	if s.Status().Triggered {
		t.Fatal("switch should not trigger below daily loss limit")
	}

	// The third loss crosses the ceiling.
	s.ReportLoss(500)

	st := s.Status()
	if !st.Triggered {
		t.Fatal("switch should trigger at daily loss limit")
	}
	if st.LastTrigger == nil || st.LastTrigger.Severity != types.SeverityHigh {
		t.Errorf("trigger severity = %+v, want high", st.LastTrigger)
	}
	evts := drain(events)
	if len(evts) != 1 {
		t.Fatalf("kill-switch-triggered events = %d, want 1", len(evts))
	}
	te := evts[0].Payload.(TriggerEvent)
	if want := "Daily loss limit exceeded"; len(te.Reason) < len(want) || te.Reason[:len(want)] != want {
		t.Errorf("reason = %q, want prefix %q", te.Reason, want)
	}

	if s.IsOperationAllowed(OpTrade) {
		t.Error("trade must be blocked after trigger")
	}
	if !s.IsOperationAllowed(OpStop) {
		t.Error("stop must stay allowed after trigger")
	}
}

func TestDrawdownAutoTrigger(t *testing.T) {
	t.Parallel()
	s, _ := newTestSwitch(t)

	// 15% of 100k = 15000 >= max drawdown. Daily loss ceiling is lower, so
	// raise it out of the way first.
	if err := s.UpdateConfig(config.KillSwitchConfig{
		EnableAutoTrigger:       true,
		MaxDailyLoss:            1_000_000,
		MaxDrawdown:             15,
		MaxConsecutiveFailures:  3,
		GracefulShutdownTimeout: 50 * time.Millisecond,
		ForceShutdownAfter:      500 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}

	s.ReportLoss(14_000)
	if s.Status().Triggered {
		t.Fatal("14% drawdown should not trigger")
	}
	s.ReportLoss(1_500)
	if !s.Status().Triggered {
		t.Fatal("15.5% drawdown should trigger")
	}
}

func TestConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s, _ := newTestSwitch(t)

	s.ReportFailure()
	s.ReportFailure()
	// Success resets the streak.
	s.ReportSuccess()
	if got := s.Status().ConsecutiveFailures; got != 0 {
		t.Fatalf("failures after success = %d, want 0", got)
	}

	s.ReportFailure()
	s.ReportFailure()
	s.ReportFailure()

	st := s.Status()
	if !st.Triggered {
		t.Fatal("three consecutive failures should trigger")
	}
	if st.LastTrigger.Severity != types.SeverityMedium {
		t.Errorf("severity = %v, want medium", st.LastTrigger.Severity)
	}
}

func TestDuplicateTriggerIsNoOp(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	triggers := b.Subscribe(bus.KillSwitchTriggered)
	alerts := b.Subscribe(bus.RiskAlert)

	s.Trigger("manual", types.SeverityHigh)
	s.Trigger("again", types.SeverityCritical)

	if got := len(drain(triggers)); got != 1 {
		t.Errorf("trigger events = %d, want 1", got)
	}
	warns := drain(alerts)
	if len(warns) != 1 {
		t.Fatalf("duplicate warnings = %d, want 1", len(warns))
	}
	if a := warns[0].Payload.(types.Alert); a.Severity != types.SeverityWarning {
		t.Errorf("duplicate alert severity = %v, want warning", a.Severity)
	}
	// Mode keeps the first trigger's recovery state, not emergency.
	if got := s.Status().Mode; got != ModeRecovery {
		t.Errorf("mode = %v, want recovery", got)
	}
}

func TestCriticalTriggerForcesAllAgents(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	forced := b.Subscribe(bus.ForceStopBot)
	graceful := b.Subscribe(bus.GracefulStopBot)

	s.RegisterAgent("agent-a")
	s.RegisterAgent("agent-b")
	s.Trigger("exchange halted", types.SeverityCritical)

	if got := s.Status().Mode; got != ModeEmergency {
		t.Fatalf("mode = %v, want emergency", got)
	}
	if got := len(drain(forced)); got != 2 {
		t.Errorf("force-stop-bot events = %d, want 2", got)
	}
	if got := len(drain(graceful)); got != 0 {
		t.Errorf("graceful-stop-bot events = %d, want 0 on critical path", got)
	}
	if got := len(s.Status().RegisteredAgents); got != 0 {
		t.Errorf("agents after critical trigger = %d, want 0 (deregistered)", got)
	}
}

func TestGracefulThenForcedShutdown(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	forced := b.Subscribe(bus.ForceStopBot)
	graceful := b.Subscribe(bus.GracefulStopBot)

	s.RegisterAgent("agent-a")
	s.RegisterAgent("agent-b")
	s.Trigger("daily loss", types.SeverityHigh)

	// Both agents get the graceful command with the configured timeout.
	gr := drain(graceful)
	if len(gr) != 2 {
		t.Fatalf("graceful-stop-bot events = %d, want 2", len(gr))
	}
	if cmd := gr[0].Payload.(StopCommand); cmd.Timeout != 50*time.Millisecond {
		t.Errorf("graceful timeout = %v, want 50ms", cmd.Timeout)
	}

	// Agent A confirms within the window; B never does.
	s.ConfirmStopped("agent-a")

	time.Sleep(120 * time.Millisecond)

	forcedEvts := drain(forced)
	if len(forcedEvts) != 1 {
		t.Fatalf("force-stop-bot events = %d, want exactly 1 (agent-b)", len(forcedEvts))
	}
	if cmd := forcedEvts[0].Payload.(StopCommand); cmd.BotID != "agent-b" {
		t.Errorf("forced bot = %q, want agent-b", cmd.BotID)
	}
}

func TestUnregisterCancelsShutdownTimers(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	forced := b.Subscribe(bus.ForceStopBot)

	s.RegisterAgent("agent-a")
	s.Trigger("loss", types.SeverityHigh)
	s.UnregisterAgent("agent-a")

	time.Sleep(120 * time.Millisecond)
	if got := len(drain(forced)); got != 0 {
		t.Errorf("force-stop-bot after unregister = %d, want 0", got)
	}
}

func TestResetEntersRecovery(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	resets := b.Subscribe(bus.KillSwitchReset)

	s.Trigger("manual", types.SeverityHigh)
	s.Reset("resolved", "operator")

	st := s.Status()
	if st.Triggered {
		t.Fatal("switch should not be triggered after reset")
	}
	if st.Mode != ModeRecovery {
		t.Fatalf("mode = %v, want recovery immediately after reset", st.Mode)
	}
	if got := len(drain(resets)); got != 1 {
		t.Errorf("reset events = %d, want 1", got)
	}
	if !s.IsOperationAllowed(OpTrade) {
		t.Error("trade should be allowed again after reset")
	}
}

func TestDailyResetIdempotentPerDay(t *testing.T) {
	t.Parallel()
	s, b := newTestSwitch(t)
	resets := b.Subscribe(bus.DailyReset)

	s.ReportLoss(500)
	s.ReportFailure()

	s.ResetDailyCounters()
	s.ResetDailyCounters() // same UTC day: counters stay zero, no second event

	st := s.Status()
	if st.DailyLoss != 0 || st.CurrentDrawdown != 0 {
		t.Errorf("counters = %v/%v, want 0/0", st.DailyLoss, st.CurrentDrawdown)
	}
	if st.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1 (unchanged by daily reset)", st.ConsecutiveFailures)
	}
	if got := len(drain(resets)); got != 1 {
		t.Errorf("daily-reset events = %d, want 1 per wall-clock crossing", got)
	}
}

func TestEnhancedMonitoringTriggers(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	cfg := testKillConfig()
	cfg.EnableEnhancedMonitoring = true
	cfg.VolatilityThreshold = 1.0
	cfg.LiquidityThreshold = 0.2
	cfg.CorrelationThreshold = 0.9
	cfg.RecoveryTimeLimit = time.Hour

	s, err := New(cfg, 100_000, b, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)

	s.UpdateMarketConditions(0.5, 0.8, 0.3)
	if s.Status().Triggered {
		t.Fatal("calm conditions should not trigger")
	}

	s.UpdateMarketConditions(1.5, 0.8, 0.3)
	if !s.Status().Triggered {
		t.Fatal("volatility above threshold should trigger")
	}
}

func TestDestroyDeniesOperations(t *testing.T) {
	t.Parallel()
	s, _ := newTestSwitch(t)

	s.Destroy()
	if s.IsOperationAllowed(OpTrade) || s.IsOperationAllowed(OpStop) {
		t.Error("destroyed switch must deny all operations")
	}
}

func TestEmergencyNotificationCarriesContacts(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	cfg := testKillConfig()
	cfg.EmergencyContacts = []string{"ops@example.com"}

	s, err := New(cfg, 100_000, b, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)

	notifications := b.Subscribe(bus.EmergencyNotification)
	s.Trigger("manual", types.SeverityHigh)

	evts := drain(notifications)
	if len(evts) != 1 {
		t.Fatalf("notifications = %d, want 1", len(evts))
	}
	n := evts[0].Payload.(Notification)
	if len(n.Contacts) != 1 || n.Contacts[0] != "ops@example.com" {
		t.Errorf("contacts = %v", n.Contacts)
	}
	if n.Event.Reason != "manual" {
		t.Errorf("event reason = %q, want manual", n.Event.Reason)
	}
}

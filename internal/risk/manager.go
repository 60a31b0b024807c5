// Package risk is the orchestrating authority of the risk-management core.
//
// The Manager owns the position registry, computes portfolio-level risk,
// gates every candidate trade behind the kill switch and the portfolio
// limits, delegates sizing to the sizing engine, schedules periodic risk
// checks and stress tests, and surfaces alerts and recommendations through
// the event bus and the report API.
//
// All public operations are serialized behind one mutex: the position set,
// alert store, and derived risk state mutate in a single logical task.
// External callers only ever receive copies.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"riskcore/internal/bus"
	"riskcore/internal/config"
	"riskcore/internal/killswitch"
	"riskcore/internal/metrics"
	"riskcore/internal/sizing"
	"riskcore/internal/volcache"
	"riskcore/pkg/types"
)

// minCorrelationSamples aligned return samples are required before the
// portfolio correlation uses real data instead of the sector fallback.
const minCorrelationSamples = 10

// Manager orchestrates the risk-management core for one portfolio.
type Manager struct {
	mu     sync.Mutex
	cfg    config.Config
	logger *slog.Logger

	bus       *bus.Bus
	sizer     *sizing.Engine
	ks        *killswitch.Switch
	histories *volcache.Histories

	portfolioValue float64
	positions      map[string]*types.Position

	alerts         map[string]*types.Alert
	alertCooldowns map[string]time.Time
	escalated      map[string]bool

	lastStress    time.Time
	stressResults []ScenarioResult
	monteCarlo    *MonteCarloResult

	rng  *rand.Rand
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a fully wired manager from a validated configuration.
func New(cfg config.Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := bus.New(logger)

	sizer, err := sizing.New(cfg.Sizing, cfg.PortfolioValue, b, logger)
	if err != nil {
		return nil, err
	}
	ks, err := killswitch.New(cfg.KillSwitch, cfg.PortfolioValue, b, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:            cfg,
		logger:         logger.With("component", "risk"),
		bus:            b,
		sizer:          sizer,
		ks:             ks,
		histories:      volcache.NewHistories(volcache.DefaultWindow, minCorrelationSamples),
		portfolioValue: cfg.PortfolioValue,
		positions:      make(map[string]*types.Position),
		alerts:         make(map[string]*types.Alert),
		alertCooldowns: make(map[string]time.Time),
		escalated:      make(map[string]bool),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		cron:           cron.New(cron.WithLocation(time.UTC)),
	}

	// Hourly tick decides whether a stress run is due.
	if _, err := m.cron.AddFunc("0 * * * *", m.maybeRunStressTests); err != nil {
		return nil, fmt.Errorf("schedule stress tests: %w", err)
	}
	return m, nil
}

// Bus exposes the event bus for collaborators to subscribe on.
func (m *Manager) Bus() *bus.Bus {
	return m.bus
}

// KillSwitch exposes the kill switch for agent registration and resets.
func (m *Manager) KillSwitch() *killswitch.Switch {
	return m.ks
}

// Config returns the frozen configuration the manager was built with.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// Start launches the background loops: kill-switch health/reset schedule,
// volatility cache sweep, the monitoring loop, and the stress schedule.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ks.Run(m.ctx)
	}()

	if cache := m.sizer.Cache(); cache != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cache.Run(m.ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitorLoop(m.ctx)
	}()

	m.cron.Start()
	m.logger.Info("risk manager started",
		"portfolio_value", m.portfolioValue,
		"scaling_method", m.cfg.Sizing.RiskScalingMethod,
		"risk_check_interval", m.cfg.Monitor.RiskCheckInterval,
	)
}

// Stop cancels all timers and background loops and releases subscribers.
// The manager must not be used afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.cron.Stop()
	m.wg.Wait()
	m.ks.Destroy()
	m.bus.Close()
	m.logger.Info("risk manager stopped")
}

// CalculatePositionSize gates a trade proposal behind the kill switch and
// the portfolio limits, then delegates to the sizing engine. Fail-closed:
// an error leaves all state untouched.
func (m *Manager) CalculatePositionSize(symbol string, sig types.Signal, md types.MarketData) (*sizing.Result, error) {
	if !m.ks.IsOperationAllowed(killswitch.OpTrade) {
		return nil, fmt.Errorf("%w: kill switch disallows trading", types.ErrOperationBlocked)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pr := m.portfolioRiskLocked()
	if pr.TotalRisk > m.cfg.Limits.MaxPortfolioRisk {
		return nil, fmt.Errorf("%w: portfolio risk %.2f%% already above limit %.2f%%",
			types.ErrLimitExceeded, pr.TotalRisk, m.cfg.Limits.MaxPortfolioRisk)
	}

	result, err := m.sizer.Size(symbol, sig, md, pr)
	if err != nil {
		return nil, err
	}
	if err := m.validateCandidateLocked(result, pr); err != nil {
		return nil, err
	}
	return result, nil
}

// validateCandidateLocked projects the candidate onto the current portfolio
// and rejects it if any post-acceptance limit would be crossed. Rejection is
// an error, never an alert.
func (m *Manager) validateCandidateLocked(res *sizing.Result, pr types.PortfolioRisk) error {
	pv := m.portfolioValue

	if projected := pr.TotalRisk + res.RiskAmount/pv*100; projected > m.cfg.Limits.MaxPortfolioRisk {
		return fmt.Errorf("%w: projected portfolio risk %.2f%% exceeds limit %.2f%%",
			types.ErrLimitExceeded, projected, m.cfg.Limits.MaxPortfolioRisk)
	}

	maxExposure := res.PositionSize
	for _, p := range m.positions {
		if abs(p.Size) > maxExposure {
			maxExposure = abs(p.Size)
		}
	}
	if projected := maxExposure / pv * 100; projected > m.cfg.Limits.MaxSectorConcentration {
		return fmt.Errorf("%w: projected concentration %.2f%% exceeds limit %.2f%%",
			types.ErrLimitExceeded, projected, m.cfg.Limits.MaxSectorConcentration)
	}

	if projected := pr.Leverage + res.PositionSize/pv; projected > m.cfg.Limits.MaxLeverage {
		return fmt.Errorf("%w: projected leverage %.2fx exceeds limit %.2fx",
			types.ErrLimitExceeded, projected, m.cfg.Limits.MaxLeverage)
	}
	return nil
}

// AddPosition registers a new position. Atomic and fail-closed: the position
// set only changes when every invariant and limit holds afterwards.
func (m *Manager) AddPosition(pos types.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if !m.ks.IsOperationAllowed(killswitch.OpTrade) {
		return fmt.Errorf("%w: kill switch disallows new positions", types.ErrOperationBlocked)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[pos.ID]; ok {
		return fmt.Errorf("%w: position %q already exists", types.ErrInvalidInput, pos.ID)
	}

	now := time.Now().UTC()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.UpdatedAt = now

	// Insert, verify the post-acceptance limits, revert on breach.
	m.positions[pos.ID] = &pos
	pr := m.portfolioRiskLocked()
	if pr.TotalRisk > m.cfg.Limits.MaxPortfolioRisk ||
		pr.Concentration > m.cfg.Limits.MaxSectorConcentration ||
		pr.Leverage > m.cfg.Limits.MaxLeverage {
		delete(m.positions, pos.ID)
		return fmt.Errorf("%w: position %q would breach portfolio limits (risk %.2f%%, concentration %.2f%%, leverage %.2fx)",
			types.ErrLimitExceeded, pos.ID, pr.TotalRisk, pr.Concentration, pr.Leverage)
	}

	m.bus.Publish(bus.PositionAdded, pos)
	m.checkRiskLimitsLocked()
	m.publishReportLocked()
	return nil
}

// Patch is a partial position update. Nil fields are left unchanged.
type Patch struct {
	CurrentPrice   *float64
	Size           *float64
	PnL            *float64
	RiskAmount     *float64
	Volatility     *float64
	Beta           *float64
	LiquidityScore *float64
}

// UpdatePosition merges the patch into an existing position, records the
// price move in the return histories, and checks per-position drawdown.
func (m *Manager) UpdatePosition(id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("%w: position %q", types.ErrNotFound, id)
	}

	if patch.CurrentPrice != nil {
		if !(*patch.CurrentPrice > 0) {
			return fmt.Errorf("%w: current_price %v must be > 0", types.ErrInvalidInput, *patch.CurrentPrice)
		}
		m.histories.AppendPrice(pos.Symbol, pos.CurrentPrice, *patch.CurrentPrice)
		pos.CurrentPrice = *patch.CurrentPrice
	}
	if patch.Size != nil {
		pos.Size = metrics.Sanitize(*patch.Size, pos.Size)
	}
	if patch.PnL != nil {
		pos.PnL = metrics.Sanitize(*patch.PnL, pos.PnL)
	}
	if patch.RiskAmount != nil && *patch.RiskAmount >= 0 {
		pos.RiskAmount = metrics.Sanitize(*patch.RiskAmount, pos.RiskAmount)
	}
	if patch.Volatility != nil && *patch.Volatility >= 0 {
		pos.Volatility = metrics.Sanitize(*patch.Volatility, pos.Volatility)
	}
	if patch.Beta != nil {
		pos.Beta = metrics.Sanitize(*patch.Beta, pos.Beta)
	}
	if patch.LiquidityScore != nil && *patch.LiquidityScore >= 0 && *patch.LiquidityScore <= 1 {
		pos.LiquidityScore = *patch.LiquidityScore
	}
	pos.UpdatedAt = time.Now().UTC()

	// Per-position drawdown: a move against entry beyond 20% is an error
	// alert.
	if move := abs(pos.CurrentPrice/pos.EntryPrice-1) * 100; move > 20 {
		m.createAlertLocked("position_drawdown", types.SeverityError,
			fmt.Sprintf("position %s moved %.1f%% from entry", pos.ID, move),
			[]string{pos.ID}, move, 20, "review position and consider reducing exposure")
	}

	m.bus.Publish(bus.PositionUpdated, *pos)
	return nil
}

// RemovePosition destroys a tracked position and regenerates the report.
func (m *Manager) RemovePosition(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("%w: position %q", types.ErrNotFound, id)
	}
	delete(m.positions, id)

	m.bus.Publish(bus.PositionRemoved, *pos)
	m.publishReportLocked()
	return nil
}

// ReportTradeResult feeds a completed trade back into the sizing performance
// history and the kill-switch counters.
func (m *Manager) ReportTradeResult(id string, pnl float64, success bool) error {
	m.mu.Lock()
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: position %q", types.ErrNotFound, id)
	}
	symbol := pos.Symbol
	m.mu.Unlock()

	m.sizer.ReportOutcome(symbol, pnl, success)
	if success {
		m.ks.ReportSuccess()
	} else {
		m.ks.ReportFailure()
	}
	if pnl < 0 {
		m.ks.ReportLoss(-pnl)
	}

	m.bus.Publish(bus.TradeResult, map[string]any{
		"position_id": id,
		"symbol":      symbol,
		"pnl":         pnl,
		"success":     success,
	})
	return nil
}

// GetPortfolioRisk returns the current derived risk snapshot.
func (m *Manager) GetPortfolioRisk() types.PortfolioRisk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portfolioRiskLocked()
}

// Positions returns copies of all tracked positions.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// TriggerEmergencyStop forces a critical kill-switch trigger and commands
// an emergency close for every open position.
func (m *Manager) TriggerEmergencyStop(reason string) {
	m.ks.Trigger(reason, types.SeverityCritical)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		m.bus.Publish(bus.EmergencyClosePosition, *p)
	}
}

// UpdatePortfolioValue propagates a new portfolio value to all components.
func (m *Manager) UpdatePortfolioValue(v float64) error {
	if !(v > 0) {
		return fmt.Errorf("%w: portfolio value %v must be > 0", types.ErrInvalidInput, v)
	}

	m.mu.Lock()
	m.portfolioValue = v
	m.mu.Unlock()

	m.sizer.SetPortfolioValue(v)
	m.ks.SetPortfolioValue(v)
	m.bus.Publish(bus.PortfolioValueUpdated, map[string]float64{"portfolio_value": v})
	return nil
}

// portfolioRiskLocked derives the aggregate risk snapshot from the current
// position set. Every output is finite.
func (m *Manager) portfolioRiskLocked() types.PortfolioRisk {
	pv := m.portfolioValue
	if len(m.positions) == 0 || pv <= 0 {
		return types.PortfolioRisk{}
	}

	var riskSum, pnlSum, maxAbs, absSum, liqSum float64
	sectors := make(map[string]int)
	symbols := make([]string, 0, len(m.positions))
	for _, p := range m.positions {
		riskSum += p.RiskAmount
		pnlSum += p.PnL
		a := abs(p.Size)
		absSum += a
		if a > maxAbs {
			maxAbs = a
		}
		sector := p.Sector
		if sector == "" {
			sector = "unclassified"
		}
		sectors[sector]++
		symbols = append(symbols, p.Symbol)

		// Positions without a liquidity score count as moderately liquid.
		score := p.LiquidityScore
		if score == 0 {
			score = 0.5
		}
		liqSum += (1 - score) * 100
	}

	correlation, real := m.histories.AvgAbsCorrelation(symbols)
	if !real {
		maxSector := 0
		for _, n := range sectors {
			if n > maxSector {
				maxSector = n
			}
		}
		correlation = float64(maxSector) / float64(len(m.positions))
	}

	n := float64(len(m.positions))
	return types.PortfolioRisk{
		TotalRisk:     metrics.Sanitize(riskSum/pv*100, 0),
		DailyRisk:     metrics.Sanitize(abs(pnlSum)/pv*100, 0),
		Concentration: metrics.Sanitize(maxAbs/pv*100, 0),
		Correlation:   metrics.Clamp(metrics.Sanitize(correlation, 0), 0, 1),
		Leverage:      metrics.Sanitize(absSum/pv, 0),
		LiquidityRisk: metrics.Clamp(metrics.Sanitize(liqSum/n, 0), 0, 100),
	}
}

// monitorLoop drives periodic risk checks and report generation. A failing
// iteration raises a warning alert; the loop itself never dies.
func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Monitor.RiskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runMonitorCycle()
		}
	}
}

func (m *Manager) runMonitorCycle() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor cycle panicked", "panic", r)
			m.mu.Lock()
			m.createAlertLocked("monitor_failure", types.SeverityWarning,
				fmt.Sprintf("risk monitoring iteration failed: %v", r),
				nil, 0, 0, "inspect logs")
			m.mu.Unlock()
		}
	}()

	m.mu.Lock()
	m.checkRiskLimitsLocked()
	m.escalateStaleAlertsLocked()
	m.publishReportLocked()
	m.mu.Unlock()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"riskcore/internal/bus"
	"riskcore/internal/config"
	"riskcore/internal/metrics"
	"riskcore/pkg/types"
)

// defaultScenarios shock the portfolio when no scenarios are configured.
var defaultScenarios = []config.StressScenario{
	{Name: "moderate_selloff", MarketShock: -10, VolatilityMultiplier: 1.5, LiquidityReduction: 20, CorrelationIncrease: 0.1, Duration: 24, RecoveryTime: 72},
	{Name: "severe_selloff", MarketShock: -20, VolatilityMultiplier: 2.0, LiquidityReduction: 40, CorrelationIncrease: 0.2, Duration: 48, RecoveryTime: 168},
	{Name: "flash_crash", MarketShock: -30, VolatilityMultiplier: 3.0, LiquidityReduction: 70, CorrelationIncrease: 0.4, Duration: 4, RecoveryTime: 336},
}

// ScenarioResult is the outcome of one deterministic stress scenario.
type ScenarioResult struct {
	Scenario           config.StressScenario `json:"scenario"`
	Timestamp          time.Time             `json:"timestamp"`
	TotalLossUSD       float64               `json:"total_loss_usd"`
	LossPct            float64               `json:"loss_pct"`
	WorstCaseVaRUSD    float64               `json:"worst_case_var_usd"`
	WorstCaseVaRPct    float64               `json:"worst_case_var_pct"`
	Passed             bool                  `json:"passed"`
	TimeToRecoveryDays int                   `json:"time_to_recovery_days"`
	PositionLosses     map[string]float64    `json:"position_losses,omitempty"`
}

// MonteCarloResult summarizes the simulated stress variant.
type MonteCarloResult struct {
	Timestamp       time.Time `json:"timestamp"`
	Iterations      int       `json:"iterations"`
	ExpectedLossUSD float64   `json:"expected_loss_usd"`
	WorstCaseUSD    float64   `json:"worst_case_usd"`
	ConfidenceLevel float64   `json:"confidence_level"`
	CI95LowUSD      float64   `json:"ci95_low_usd"`
	CI95HighUSD     float64   `json:"ci95_high_usd"`
}

// maybeRunStressTests runs on the hourly schedule and executes a stress run
// once the configured frequency has elapsed.
func (m *Manager) maybeRunStressTests() {
	st := m.cfg.StressTest
	if !st.Enabled {
		return
	}

	m.mu.Lock()
	due := time.Since(m.lastStress) >= time.Duration(st.FrequencyHours)*time.Hour
	m.mu.Unlock()
	if !due {
		return
	}
	m.RunStressTests()
}

// RunStressTests executes every configured scenario (or the defaults) plus
// the Monte-Carlo variant when enabled, records the results, and emits one
// stress-test-completed event per scenario. Failures create a stress_test
// alert and a critical reduce_position recommendation in the next report.
func (m *Manager) RunStressTests() []ScenarioResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	scenarios := m.cfg.StressTest.Scenarios
	if len(scenarios) == 0 {
		scenarios = defaultScenarios
	}

	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		res := m.runScenarioLocked(sc)
		results = append(results, res)

		m.bus.Publish(bus.StressTestCompleted, res)
		if !res.Passed {
			m.createAlertLocked("stress_test", types.SeverityCritical,
				fmt.Sprintf("stress scenario %q fails: %.2f%% loss exceeds threshold %.2f%%",
					sc.Name, res.LossPct, m.cfg.StressTest.FailureThreshold),
				nil, res.LossPct, m.cfg.StressTest.FailureThreshold, "reduce_position")
		}
	}

	m.stressResults = results
	m.lastStress = time.Now()

	if m.cfg.StressTest.MonteCarlo.Enabled {
		m.monteCarlo = m.runMonteCarloLocked()
	}

	m.logger.Info("stress tests completed",
		"scenarios", len(results),
		"failed", countFailed(results),
	)
	return results
}

// runScenarioLocked shocks every position by the direction-signed market
// shock and aggregates loss and worst-case VaR.
func (m *Manager) runScenarioLocked(sc config.StressScenario) ScenarioResult {
	pv := m.portfolioValue

	var totalPnL, worstVaR float64
	losses := make(map[string]float64, len(m.positions))
	for _, p := range m.positions {
		shock := sc.MarketShock / 100
		if p.Direction == types.Short {
			shock = -shock
		}
		shocked := p.CurrentPrice * (1 + shock)
		pnl := (shocked - p.CurrentPrice) * (p.Size / p.EntryPrice)
		totalPnL += pnl
		worstVaR += math.Abs(pnl) * sc.VolatilityMultiplier
		losses[p.ID] = pnl
	}

	totalLoss := 0.0
	if totalPnL < 0 {
		totalLoss = -totalPnL
	}
	lossPct := metrics.Sanitize(totalLoss/pv*100, 0)

	return ScenarioResult{
		Scenario:           sc,
		Timestamp:          time.Now().UTC(),
		TotalLossUSD:       metrics.Sanitize(totalLoss, 0),
		LossPct:            lossPct,
		WorstCaseVaRUSD:    metrics.Sanitize(worstVaR, 0),
		WorstCaseVaRPct:    metrics.Sanitize(worstVaR/pv*100, 0),
		Passed:             lossPct <= m.cfg.StressTest.FailureThreshold,
		TimeToRecoveryDays: int(math.Ceil(lossPct / 2)),
		PositionLosses:     losses,
	}
}

// runMonteCarloLocked simulates correlated normal daily returns across the
// position set and reports the loss distribution.
func (m *Manager) runMonteCarloLocked() *MonteCarloResult {
	mc := m.cfg.StressTest.MonteCarlo
	pr := m.portfolioRiskLocked()
	rho := metrics.Clamp(pr.Correlation, 0, 1)
	idio := math.Sqrt(1 - rho*rho)

	losses := make([]float64, mc.Iterations)
	for i := 0; i < mc.Iterations; i++ {
		marketZ := m.rng.NormFloat64()
		var pnl float64
		for _, p := range m.positions {
			vol := p.Volatility
			if vol <= 0 {
				vol = 0.3
			}
			z := rho*marketZ + idio*m.rng.NormFloat64()
			r := z * vol / math.Sqrt(252)
			if p.Direction == types.Short {
				r = -r
			}
			pnl += r * p.Size
		}
		if pnl < 0 {
			losses[i] = -pnl
		}
	}

	mean := metrics.Mean(losses)
	sd := metrics.StdDev(losses)
	ciHalf := 1.96 * sd / math.Sqrt(float64(len(losses)))

	sorted := append([]float64(nil), losses...)
	sort.Float64s(sorted)
	idx := int(math.Floor(mc.ConfidenceLevel * float64(len(sorted))))
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}

	return &MonteCarloResult{
		Timestamp:       time.Now().UTC(),
		Iterations:      mc.Iterations,
		ExpectedLossUSD: metrics.Sanitize(mean, 0),
		WorstCaseUSD:    metrics.Sanitize(sorted[idx], 0),
		ConfidenceLevel: mc.ConfidenceLevel,
		CI95LowUSD:      metrics.Sanitize(math.Max(0, mean-ciHalf), 0),
		CI95HighUSD:     metrics.Sanitize(mean+ciHalf, 0),
	}
}

func countFailed(results []ScenarioResult) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}

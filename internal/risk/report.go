package risk

import (
	"fmt"
	"time"

	"riskcore/internal/bus"
	"riskcore/internal/killswitch"
	"riskcore/internal/metrics"
	"riskcore/internal/sizing"
	"riskcore/pkg/types"
)

// Recommendation is an advisory action derived from current risk.
type Recommendation struct {
	Action   string `json:"action"`
	Priority string `json:"priority"` // low | medium | high | critical
	Reason   string `json:"reason"`
}

// Decomposition breaks portfolio risk down along several axes. Values are
// percentages of portfolio value except ByFactor, which mixes indices, and
// Temporal's daily_loss, which is in USD.
type Decomposition struct {
	ByPosition map[string]float64 `json:"by_position"`
	BySector   map[string]float64 `json:"by_sector"`
	ByFactor   map[string]float64 `json:"by_factor"`
	Temporal   map[string]float64 `json:"temporal"`
}

// Report is the full risk snapshot exposed to collaborators. All numeric
// fields are finite; timestamps marshal as ISO-8601 UTC.
type Report struct {
	Timestamp       time.Time               `json:"timestamp"`
	PortfolioValue  float64                 `json:"portfolio_value"`
	PortfolioRisk   types.PortfolioRisk     `json:"portfolio_risk"`
	KillSwitch      killswitch.Status       `json:"kill_switch_status"`
	StressTests     []ScenarioResult        `json:"stress_test_results,omitempty"`
	MonteCarlo      *MonteCarloResult       `json:"monte_carlo,omitempty"`
	Decomposition   Decomposition           `json:"risk_decomposition"`
	Recommendations []Recommendation        `json:"recommendations"`
	Alerts          []types.Alert           `json:"alerts"`
	MarketRegime    types.MarketRegime      `json:"market_regime"`
	Performance     sizing.PerformanceStats `json:"performance_metrics"`
}

// GenerateReport builds a full report from current state.
func (m *Manager) GenerateReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateReportLocked()
}

// publishReportLocked regenerates the report and announces it on the bus.
func (m *Manager) publishReportLocked() {
	m.bus.Publish(bus.RiskReportGenerated, m.generateReportLocked())
}

func (m *Manager) generateReportLocked() Report {
	pr := m.portfolioRiskLocked()

	return Report{
		Timestamp:       time.Now().UTC(),
		PortfolioValue:  m.portfolioValue,
		PortfolioRisk:   pr,
		KillSwitch:      m.ks.Status(),
		StressTests:     append([]ScenarioResult(nil), m.stressResults...),
		MonteCarlo:      m.monteCarlo,
		Decomposition:   m.decompositionLocked(pr),
		Recommendations: m.recommendationsLocked(pr),
		Alerts:          m.alertsLocked(),
		MarketRegime:    m.marketRegimeLocked(pr),
		Performance:     m.sizer.Performance(),
	}
}

func (m *Manager) decompositionLocked(pr types.PortfolioRisk) Decomposition {
	pv := m.portfolioValue

	byPosition := make(map[string]float64, len(m.positions))
	bySector := make(map[string]float64)
	weights := make([]float64, 0, len(m.positions))
	for _, p := range m.positions {
		riskPct := metrics.Sanitize(p.RiskAmount/pv*100, 0)
		byPosition[p.ID] = riskPct

		sector := p.Sector
		if sector == "" {
			sector = "unclassified"
		}
		bySector[sector] += riskPct

		weights = append(weights, abs(p.Size)/pv)
	}

	ksStatus := m.ks.Status()
	return Decomposition{
		ByPosition: byPosition,
		BySector:   bySector,
		ByFactor: map[string]float64{
			"concentration": metrics.Herfindahl(weights),
			"correlation":   pr.Correlation,
			"leverage":      pr.Leverage,
			"liquidity":     pr.LiquidityRisk,
		},
		Temporal: map[string]float64{
			"daily_risk":       pr.DailyRisk,
			"daily_loss":       ksStatus.DailyLoss,
			"current_drawdown": ksStatus.CurrentDrawdown,
		},
	}
}

// recommendationsLocked derives advisory actions: any metric beyond 80% of
// its limit yields a recommendation; failing stress tests yield a critical
// reduce_position.
func (m *Manager) recommendationsLocked(pr types.PortfolioRisk) []Recommendation {
	limits := m.cfg.Limits
	var recs []Recommendation

	add := func(name string, value, limit float64, action string) {
		if limit <= 0 || value <= 0.8*limit {
			return
		}
		priority := "medium"
		if value > limit {
			priority = "high"
		}
		recs = append(recs, Recommendation{
			Action:   action,
			Priority: priority,
			Reason:   fmt.Sprintf("%s at %.2f against limit %.2f", name, value, limit),
		})
	}

	add("portfolio risk", pr.TotalRisk, limits.MaxPortfolioRisk, "reduce_position")
	add("concentration", pr.Concentration, limits.MaxSectorConcentration, "diversify")
	add("leverage", pr.Leverage, limits.MaxLeverage, "deleverage")
	add("correlation", pr.Correlation, limits.MaxCorrelation, "hedge_correlated_exposure")
	add("drawdown", m.ks.Status().CurrentDrawdown, limits.MaxDrawdownLimit, "pause_trading")

	for _, res := range m.stressResults {
		if !res.Passed {
			recs = append(recs, Recommendation{
				Action:   "reduce_position",
				Priority: "critical",
				Reason: fmt.Sprintf("stress scenario %q projects %.2f%% loss (threshold %.2f%%)",
					res.Scenario.Name, res.LossPct, m.cfg.StressTest.FailureThreshold),
			})
		}
	}
	return recs
}

// marketRegimeLocked infers a coarse regime from tracked positions: high
// average volatility dominates, otherwise the sign of aggregate PnL decides.
func (m *Manager) marketRegimeLocked(pr types.PortfolioRisk) types.MarketRegime {
	if len(m.positions) == 0 {
		return types.RegimeSideways
	}

	var volSum, pnlSum float64
	for _, p := range m.positions {
		volSum += p.Volatility
		pnlSum += p.PnL
	}
	if volSum/float64(len(m.positions)) > 0.6 {
		return types.RegimeVolatile
	}
	switch {
	case pnlSum > 0.005*m.portfolioValue:
		return types.RegimeBull
	case pnlSum < -0.005*m.portfolioValue:
		return types.RegimeBear
	default:
		return types.RegimeSideways
	}
}

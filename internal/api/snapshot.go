package api

import (
	"time"

	"github.com/shopspring/decimal"

	"riskcore/internal/config"
	"riskcore/internal/risk"
)

// ReportProvider is the read surface the server needs from the risk manager.
type ReportProvider interface {
	GenerateReport() risk.Report
	Config() config.Config
}

// Snapshot is the full dashboard state: the current risk report plus a
// summary of the active configuration.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Report    risk.Report   `json:"report"`
	Config    ConfigSummary `json:"config"`
}

// ConfigSummary echoes the operative limits and thresholds. USD amounts are
// rounded to cents at this boundary; collaborators own any further scaled
// representation.
type ConfigSummary struct {
	PortfolioValue float64 `json:"portfolio_value"`

	BaseRiskPerTrade  float64 `json:"base_risk_per_trade"`
	MaxPositionSize   float64 `json:"max_position_size"`
	MinPositionSize   float64 `json:"min_position_size"`
	MaxDailyRisk      float64 `json:"max_daily_risk"`
	RiskScalingMethod string  `json:"risk_scaling_method"`

	MaxDailyLoss           float64 `json:"max_daily_loss"`
	MaxDrawdown            float64 `json:"max_drawdown"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`

	MaxPortfolioRisk       float64 `json:"max_portfolio_risk"`
	MaxSectorConcentration float64 `json:"max_sector_concentration"`
	MaxLeverage            float64 `json:"max_leverage"`

	StressTestEnabled bool   `json:"stress_test_enabled"`
	RiskCheckInterval string `json:"risk_check_interval"`
}

// BuildSnapshot assembles the dashboard snapshot from current state.
func BuildSnapshot(provider ReportProvider) Snapshot {
	cfg := provider.Config()
	return Snapshot{
		Timestamp: time.Now().UTC(),
		Report:    provider.GenerateReport(),
		Config: ConfigSummary{
			PortfolioValue: cents(cfg.PortfolioValue),

			BaseRiskPerTrade:  cfg.Sizing.BaseRiskPerTrade,
			MaxPositionSize:   cfg.Sizing.MaxPositionSize,
			MinPositionSize:   cents(cfg.Sizing.MinPositionSize),
			MaxDailyRisk:      cfg.Sizing.MaxDailyRisk,
			RiskScalingMethod: cfg.Sizing.RiskScalingMethod,

			MaxDailyLoss:           cents(cfg.KillSwitch.MaxDailyLoss),
			MaxDrawdown:            cfg.KillSwitch.MaxDrawdown,
			MaxConsecutiveFailures: cfg.KillSwitch.MaxConsecutiveFailures,

			MaxPortfolioRisk:       cfg.Limits.MaxPortfolioRisk,
			MaxSectorConcentration: cfg.Limits.MaxSectorConcentration,
			MaxLeverage:            cfg.Limits.MaxLeverage,

			StressTestEnabled: cfg.StressTest.Enabled,
			RiskCheckInterval: cfg.Monitor.RiskCheckInterval.String(),
		},
	}
}

// cents rounds a USD amount to two decimal places.
func cents(v float64) float64 {
	out, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return out
}

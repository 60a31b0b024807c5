package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riskcore/pkg/types"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.Sizing.RiskScalingMethod != ScalingVolatility {
		t.Errorf("default scaling method = %q, want %q", cfg.Sizing.RiskScalingMethod, ScalingVolatility)
	}
	if cfg.Monitor.RiskCheckInterval != 30*time.Second {
		t.Errorf("default risk check interval = %v, want 30s", cfg.Monitor.RiskCheckInterval)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
portfolio_value: 250000
sizing:
  base_risk_per_trade: 1.5
  risk_scaling_method: kelly
kill_switch:
  max_daily_loss: 2500
  emergency_contacts:
    - ops@example.com
limits:
  max_portfolio_risk: 8
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortfolioValue != 250000 {
		t.Errorf("portfolio_value = %v, want 250000", cfg.PortfolioValue)
	}
	if cfg.Sizing.BaseRiskPerTrade != 1.5 {
		t.Errorf("base_risk_per_trade = %v, want 1.5", cfg.Sizing.BaseRiskPerTrade)
	}
	if cfg.Sizing.RiskScalingMethod != ScalingKelly {
		t.Errorf("risk_scaling_method = %q, want kelly", cfg.Sizing.RiskScalingMethod)
	}
	// Unset fields take defaults.
	if cfg.Sizing.MaxPositionSize != 10 {
		t.Errorf("max_position_size default = %v, want 10", cfg.Sizing.MaxPositionSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate, got %v", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero portfolio value", func(c *Config) { c.PortfolioValue = 0 }},
		{"base risk too high", func(c *Config) { c.Sizing.BaseRiskPerTrade = 11 }},
		{"base risk too low", func(c *Config) { c.Sizing.BaseRiskPerTrade = 0.05 }},
		{"max position size", func(c *Config) { c.Sizing.MaxPositionSize = 60 }},
		{"min position size", func(c *Config) { c.Sizing.MinPositionSize = 0 }},
		{"volatility lookback", func(c *Config) { c.Sizing.VolatilityLookback = 300 }},
		{"max daily risk", func(c *Config) { c.Sizing.MaxDailyRisk = 0.5 }},
		{"unknown scaling method", func(c *Config) { c.Sizing.RiskScalingMethod = "martingale" }},
		{"cache ttl", func(c *Config) { c.Sizing.VolatilityCacheTTL = 0 }},
		{"position history", func(c *Config) { c.Sizing.MaxPositionHistory = 5 }},
		{"kelly cap", func(c *Config) { c.Sizing.KellyFractionCap = 0.6 }},
		{"adaptive window", func(c *Config) { c.Sizing.AdaptivePerformanceWindow = 2 }},
		{"daily loss", func(c *Config) { c.KillSwitch.MaxDailyLoss = 0 }},
		{"drawdown pct", func(c *Config) { c.KillSwitch.MaxDrawdown = 150 }},
		{"failure streak", func(c *Config) { c.KillSwitch.MaxConsecutiveFailures = 0 }},
		{"graceful timeout", func(c *Config) { c.KillSwitch.GracefulShutdownTimeout = 0 }},
		{"bad email", func(c *Config) { c.KillSwitch.EmergencyContacts = []string{"not-an-email"} }},
		{"portfolio risk limit", func(c *Config) { c.Limits.MaxPortfolioRisk = 0 }},
		{"leverage limit", func(c *Config) { c.Limits.MaxLeverage = 0 }},
		{"stress frequency", func(c *Config) { c.StressTest.FrequencyHours = 0 }},
		{"monitor interval", func(c *Config) { c.Monitor.RiskCheckInterval = 0 }},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !errors.Is(err, types.ErrConfigInvalid) {
			t.Errorf("%s: error %v should wrap ErrConfigInvalid", tc.name, err)
		}
	}
}

func TestEnhancedMonitoringBoundsCheckedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.KillSwitch.EnableEnhancedMonitoring = false
	cfg.KillSwitch.LiquidityThreshold = 5 // out of range, but feature disabled
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled enhanced monitoring should skip bounds, got %v", err)
	}

	cfg.KillSwitch.EnableEnhancedMonitoring = true
	if err := cfg.Validate(); err == nil {
		t.Error("enabled enhanced monitoring should enforce bounds")
	}
}

func TestValidEmailsAccepted(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.KillSwitch.EmergencyContacts = []string{"ops@example.com", "Risk Desk <risk@example.com>"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid emails rejected: %v", err)
	}
}

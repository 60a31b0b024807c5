// Package config defines all configuration for the risk-management core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via RISK_* environment variables. Every bound is
// enforced by Validate; a config that fails validation never reaches a
// running component.
package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/spf13/viper"

	"riskcore/pkg/types"
)

// Scaling method names accepted by sizing.risk_scaling_method.
const (
	ScalingFixed          = "fixed"
	ScalingVolatility     = "volatility"
	ScalingKelly          = "kelly"
	ScalingAdaptive       = "adaptive"
	ScalingBlackLitterman = "black_litterman"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PortfolioValue float64          `mapstructure:"portfolio_value"`
	Sizing         SizingConfig     `mapstructure:"sizing"`
	KillSwitch     KillSwitchConfig `mapstructure:"kill_switch"`
	Limits         PortfolioLimits  `mapstructure:"limits"`
	StressTest     StressTestConfig `mapstructure:"stress_test"`
	Monitor        MonitorConfig    `mapstructure:"monitor"`
	Logging        LoggingConfig    `mapstructure:"logging"`
	Dashboard      DashboardConfig  `mapstructure:"dashboard"`
	Notify         NotifyConfig     `mapstructure:"notify"`
}

// SizingConfig tunes the position sizing engine.
//
//   - BaseRiskPerTrade: % of portfolio risked per trade for the base size.
//   - MaxPositionSize: per-position cap as % of portfolio.
//   - MinPositionSize: USD floor below which sizing fails.
//   - MaxDailyRisk: cumulative daily risk cap as % of portfolio.
//   - RiskScalingMethod: fixed | volatility | kelly | adaptive | black_litterman.
//   - KellyFractionCap: hard cap on the Kelly allocation fraction.
type SizingConfig struct {
	BaseRiskPerTrade          float64       `mapstructure:"base_risk_per_trade"`
	MaxPositionSize           float64       `mapstructure:"max_position_size"`
	MinPositionSize           float64       `mapstructure:"min_position_size"`
	VolatilityLookback        int           `mapstructure:"volatility_lookback"`
	MaxDailyRisk              float64       `mapstructure:"max_daily_risk"`
	CorrelationThreshold      float64       `mapstructure:"correlation_threshold"`
	RiskScalingMethod         string        `mapstructure:"risk_scaling_method"`
	EnableDynamicSizing       bool          `mapstructure:"enable_dynamic_sizing"`
	EnableVolatilityCaching   bool          `mapstructure:"enable_volatility_caching"`
	VolatilityCacheTTL        time.Duration `mapstructure:"volatility_cache_ttl"`
	MaxPositionHistory        int           `mapstructure:"max_position_history"`
	KellyFractionCap          float64       `mapstructure:"kelly_fraction_cap"`
	AdaptivePerformanceWindow int           `mapstructure:"adaptive_performance_window"`
}

// KillSwitchConfig sets the thresholds that terminate all trading activity.
//
//   - MaxDailyLoss: USD loss ceiling for a single UTC day.
//   - MaxDrawdown: drawdown ceiling in % of portfolio.
//   - GracefulShutdownTimeout: per-agent window to confirm a graceful stop.
//   - ForceShutdownAfter: absolute upper bound before a forced stop.
//   - Enhanced monitoring adds volatility/liquidity/correlation triggers.
type KillSwitchConfig struct {
	EnableAutoTrigger        bool          `mapstructure:"enable_auto_trigger"`
	MaxDailyLoss             float64       `mapstructure:"max_daily_loss"`
	MaxDrawdown              float64       `mapstructure:"max_drawdown"`
	MaxConsecutiveFailures   int           `mapstructure:"max_consecutive_failures"`
	EmergencyContacts        []string      `mapstructure:"emergency_contacts"`
	GracefulShutdownTimeout  time.Duration `mapstructure:"graceful_shutdown_timeout"`
	ForceShutdownAfter       time.Duration `mapstructure:"force_shutdown_after"`
	EnableEnhancedMonitoring bool          `mapstructure:"enable_enhanced_monitoring"`
	VolatilityThreshold      float64       `mapstructure:"volatility_threshold"`
	LiquidityThreshold       float64       `mapstructure:"liquidity_threshold"`
	CorrelationThreshold     float64       `mapstructure:"correlation_threshold"`
	RecoveryTimeLimit        time.Duration `mapstructure:"recovery_time_limit"`
}

// PortfolioLimits are the ceilings every accepted position must respect.
type PortfolioLimits struct {
	MaxPortfolioRisk       float64 `mapstructure:"max_portfolio_risk"`
	MaxSectorConcentration float64 `mapstructure:"max_sector_concentration"`
	MaxCorrelation         float64 `mapstructure:"max_correlation"`
	RebalanceThreshold     float64 `mapstructure:"rebalance_threshold"`
	MaxLeverage            float64 `mapstructure:"max_leverage"`
	MaxDrawdownLimit       float64 `mapstructure:"max_drawdown_limit"`
	LiquidityBufferPercent float64 `mapstructure:"liquidity_buffer_percent"`
}

// StressScenario shocks the portfolio deterministically. MarketShock and
// LiquidityReduction are percentages; Duration and RecoveryTime are hours.
// Scenario shapes vary across sources, so unknown fields are accepted as the
// superset union and validated minimally.
type StressScenario struct {
	Name                 string  `mapstructure:"name"`
	MarketShock          float64 `mapstructure:"market_shock"`
	VolatilityMultiplier float64 `mapstructure:"volatility_multiplier"`
	LiquidityReduction   float64 `mapstructure:"liquidity_reduction"`
	CorrelationIncrease  float64 `mapstructure:"correlation_increase"`
	Duration             float64 `mapstructure:"duration"`
	RecoveryTime         float64 `mapstructure:"recovery_time"`
}

// MonteCarloConfig controls the simulated stress variant.
type MonteCarloConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Iterations      int     `mapstructure:"iterations"`
	ConfidenceLevel float64 `mapstructure:"confidence_level"`
}

// StressTestConfig schedules and parameterizes stress testing.
type StressTestConfig struct {
	Enabled          bool             `mapstructure:"enabled"`
	FrequencyHours   int              `mapstructure:"frequency_hours"`
	FailureThreshold float64          `mapstructure:"failure_threshold"`
	Scenarios        []StressScenario `mapstructure:"scenarios"`
	MonteCarlo       MonteCarloConfig `mapstructure:"monte_carlo"`
}

// MonitorConfig drives the periodic risk checks.
type MonitorConfig struct {
	RiskCheckInterval time.Duration `mapstructure:"risk_check_interval"`
}

// LoggingConfig selects level, format, and optional rotating file output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig controls the read-only HTTP/WebSocket surface.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NotifyConfig points the fire-and-forget webhook notifier at a transport.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load reads config from a YAML file with RISK_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated baseline configuration. Used by tests and by
// collaborators that embed the core without a config file.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portfolio_value", 100_000.0)

	v.SetDefault("sizing.base_risk_per_trade", 2.0)
	v.SetDefault("sizing.max_position_size", 10.0)
	v.SetDefault("sizing.min_position_size", 10.0)
	v.SetDefault("sizing.volatility_lookback", 20)
	v.SetDefault("sizing.max_daily_risk", 6.0)
	v.SetDefault("sizing.correlation_threshold", 0.7)
	v.SetDefault("sizing.risk_scaling_method", ScalingVolatility)
	v.SetDefault("sizing.enable_dynamic_sizing", true)
	v.SetDefault("sizing.enable_volatility_caching", true)
	v.SetDefault("sizing.volatility_cache_ttl", "5m")
	v.SetDefault("sizing.max_position_history", 1000)
	v.SetDefault("sizing.kelly_fraction_cap", 0.25)
	v.SetDefault("sizing.adaptive_performance_window", 20)

	v.SetDefault("kill_switch.enable_auto_trigger", true)
	v.SetDefault("kill_switch.max_daily_loss", 5_000.0)
	v.SetDefault("kill_switch.max_drawdown", 15.0)
	v.SetDefault("kill_switch.max_consecutive_failures", 5)
	v.SetDefault("kill_switch.graceful_shutdown_timeout", "30s")
	v.SetDefault("kill_switch.force_shutdown_after", "2m")
	v.SetDefault("kill_switch.enable_enhanced_monitoring", false)
	v.SetDefault("kill_switch.volatility_threshold", 1.5)
	v.SetDefault("kill_switch.liquidity_threshold", 0.2)
	v.SetDefault("kill_switch.correlation_threshold", 0.9)
	v.SetDefault("kill_switch.recovery_time_limit", "4h")

	v.SetDefault("limits.max_portfolio_risk", 10.0)
	v.SetDefault("limits.max_sector_concentration", 30.0)
	v.SetDefault("limits.max_correlation", 0.8)
	v.SetDefault("limits.rebalance_threshold", 5.0)
	v.SetDefault("limits.max_leverage", 3.0)
	v.SetDefault("limits.max_drawdown_limit", 20.0)
	v.SetDefault("limits.liquidity_buffer_percent", 10.0)

	v.SetDefault("stress_test.enabled", true)
	v.SetDefault("stress_test.frequency_hours", 24)
	v.SetDefault("stress_test.failure_threshold", 15.0)
	v.SetDefault("stress_test.monte_carlo.enabled", false)
	v.SetDefault("stress_test.monte_carlo.iterations", 1000)
	v.SetDefault("stress_test.monte_carlo.confidence_level", 0.99)

	v.SetDefault("monitor.risk_check_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8090)

	v.SetDefault("notify.timeout", "5s")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !(c.PortfolioValue > 0) {
		return invalidf("portfolio_value must be > 0, got %v", c.PortfolioValue)
	}
	if err := c.Sizing.Validate(); err != nil {
		return err
	}
	if err := c.KillSwitch.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.StressTest.Validate(); err != nil {
		return err
	}
	if c.Monitor.RiskCheckInterval <= 0 {
		return invalidf("monitor.risk_check_interval must be > 0")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return invalidf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// Validate enforces the documented sizing bounds.
func (s *SizingConfig) Validate() error {
	if s.BaseRiskPerTrade < 0.1 || s.BaseRiskPerTrade > 10 {
		return invalidf("sizing.base_risk_per_trade must be in [0.1, 10], got %v", s.BaseRiskPerTrade)
	}
	if s.MaxPositionSize < 1 || s.MaxPositionSize > 50 {
		return invalidf("sizing.max_position_size must be in [1, 50], got %v", s.MaxPositionSize)
	}
	if !(s.MinPositionSize > 0) {
		return invalidf("sizing.min_position_size must be > 0, got %v", s.MinPositionSize)
	}
	if s.VolatilityLookback < 1 || s.VolatilityLookback > 252 {
		return invalidf("sizing.volatility_lookback must be in [1, 252], got %d", s.VolatilityLookback)
	}
	if s.MaxDailyRisk < 1 || s.MaxDailyRisk > 50 {
		return invalidf("sizing.max_daily_risk must be in [1, 50], got %v", s.MaxDailyRisk)
	}
	if s.CorrelationThreshold < 0 || s.CorrelationThreshold > 1 {
		return invalidf("sizing.correlation_threshold must be in [0, 1], got %v", s.CorrelationThreshold)
	}
	switch s.RiskScalingMethod {
	case ScalingFixed, ScalingVolatility, ScalingKelly, ScalingAdaptive, ScalingBlackLitterman:
	default:
		return invalidf("sizing.risk_scaling_method %q is not one of fixed, volatility, kelly, adaptive, black_litterman", s.RiskScalingMethod)
	}
	if s.EnableVolatilityCaching && s.VolatilityCacheTTL <= 0 {
		return invalidf("sizing.volatility_cache_ttl must be > 0 when caching is enabled")
	}
	if s.MaxPositionHistory < 10 || s.MaxPositionHistory > 10000 {
		return invalidf("sizing.max_position_history must be in [10, 10000], got %d", s.MaxPositionHistory)
	}
	if s.KellyFractionCap < 0.01 || s.KellyFractionCap > 0.5 {
		return invalidf("sizing.kelly_fraction_cap must be in [0.01, 0.5], got %v", s.KellyFractionCap)
	}
	if s.AdaptivePerformanceWindow < 5 || s.AdaptivePerformanceWindow > 100 {
		return invalidf("sizing.adaptive_performance_window must be in [5, 100], got %d", s.AdaptivePerformanceWindow)
	}
	return nil
}

// Validate enforces the documented kill-switch bounds, including that every
// emergency contact parses as an email address.
func (k *KillSwitchConfig) Validate() error {
	if !(k.MaxDailyLoss > 0) {
		return invalidf("kill_switch.max_daily_loss must be > 0, got %v", k.MaxDailyLoss)
	}
	if k.MaxDrawdown < 0 || k.MaxDrawdown > 100 {
		return invalidf("kill_switch.max_drawdown must be in [0, 100], got %v", k.MaxDrawdown)
	}
	if k.MaxConsecutiveFailures <= 0 {
		return invalidf("kill_switch.max_consecutive_failures must be > 0, got %d", k.MaxConsecutiveFailures)
	}
	if k.GracefulShutdownTimeout <= 0 {
		return invalidf("kill_switch.graceful_shutdown_timeout must be > 0")
	}
	if k.ForceShutdownAfter <= 0 {
		return invalidf("kill_switch.force_shutdown_after must be > 0")
	}
	for _, contact := range k.EmergencyContacts {
		if _, err := mail.ParseAddress(contact); err != nil {
			return invalidf("kill_switch.emergency_contacts entry %q is not a valid email", contact)
		}
	}
	if k.EnableEnhancedMonitoring {
		if k.VolatilityThreshold < 0 {
			return invalidf("kill_switch.volatility_threshold must be >= 0, got %v", k.VolatilityThreshold)
		}
		if k.LiquidityThreshold < 0 || k.LiquidityThreshold > 1 {
			return invalidf("kill_switch.liquidity_threshold must be in [0, 1], got %v", k.LiquidityThreshold)
		}
		if k.CorrelationThreshold < 0 || k.CorrelationThreshold > 1 {
			return invalidf("kill_switch.correlation_threshold must be in [0, 1], got %v", k.CorrelationThreshold)
		}
		if k.RecoveryTimeLimit <= 0 {
			return invalidf("kill_switch.recovery_time_limit must be > 0")
		}
	}
	return nil
}

// Validate enforces the portfolio limit bounds.
func (l *PortfolioLimits) Validate() error {
	if !(l.MaxPortfolioRisk > 0) || l.MaxPortfolioRisk > 100 {
		return invalidf("limits.max_portfolio_risk must be in (0, 100], got %v", l.MaxPortfolioRisk)
	}
	if !(l.MaxSectorConcentration > 0) || l.MaxSectorConcentration > 100 {
		return invalidf("limits.max_sector_concentration must be in (0, 100], got %v", l.MaxSectorConcentration)
	}
	if l.MaxCorrelation < 0 || l.MaxCorrelation > 1 {
		return invalidf("limits.max_correlation must be in [0, 1], got %v", l.MaxCorrelation)
	}
	if !(l.MaxLeverage > 0) {
		return invalidf("limits.max_leverage must be > 0, got %v", l.MaxLeverage)
	}
	if l.MaxDrawdownLimit < 0 || l.MaxDrawdownLimit > 100 {
		return invalidf("limits.max_drawdown_limit must be in [0, 100], got %v", l.MaxDrawdownLimit)
	}
	if l.LiquidityBufferPercent < 0 || l.LiquidityBufferPercent > 100 {
		return invalidf("limits.liquidity_buffer_percent must be in [0, 100], got %v", l.LiquidityBufferPercent)
	}
	return nil
}

// Validate checks the stress testing parameters. Scenario fields are
// validated minimally: shapes vary across sources.
func (s *StressTestConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.FrequencyHours <= 0 {
		return invalidf("stress_test.frequency_hours must be > 0, got %d", s.FrequencyHours)
	}
	if !(s.FailureThreshold > 0) || s.FailureThreshold > 100 {
		return invalidf("stress_test.failure_threshold must be in (0, 100], got %v", s.FailureThreshold)
	}
	for i, sc := range s.Scenarios {
		if sc.VolatilityMultiplier < 0 {
			return invalidf("stress_test.scenarios[%d].volatility_multiplier must be >= 0", i)
		}
	}
	if s.MonteCarlo.Enabled {
		if s.MonteCarlo.Iterations <= 0 {
			return invalidf("stress_test.monte_carlo.iterations must be > 0, got %d", s.MonteCarlo.Iterations)
		}
		if s.MonteCarlo.ConfidenceLevel <= 0 || s.MonteCarlo.ConfidenceLevel >= 1 {
			return invalidf("stress_test.monte_carlo.confidence_level must be in (0, 1), got %v", s.MonteCarlo.ConfidenceLevel)
		}
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{types.ErrConfigInvalid}, args...)...)
}

// Package types defines the shared domain model of the risk-management core:
// positions, portfolio risk snapshots, trade signals, market data, alerts,
// and the error kinds surfaced by the public API.
package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Direction of a position or trade signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// MarketRegime classifies broad market conditions for sizing adjustments.
type MarketRegime string

const (
	RegimeBull     MarketRegime = "bull"
	RegimeBear     MarketRegime = "bear"
	RegimeSideways MarketRegime = "sideways"
	RegimeVolatile MarketRegime = "volatile"
)

// Severity levels for alerts and kill-switch triggers, ordered by Rank.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"

	// Kill-switch trigger severities reuse the same scale; auto-triggers
	// fire with medium/high which map between warning and critical.
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so thresholds can be compared numerically.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityMedium:
		return 2
	case SeverityError:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// Position is a tracked open exposure. The risk manager exclusively owns the
// position set; callers receive copies.
type Position struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Size           float64   `json:"size"` // USD notional, sign carried by Direction
	Direction      Direction `json:"direction"`
	EntryPrice     float64   `json:"entry_price"`
	CurrentPrice   float64   `json:"current_price"`
	PnL            float64   `json:"pnl"`
	RiskAmount     float64   `json:"risk_amount"`
	Sector         string    `json:"sector,omitempty"`
	Beta           float64   `json:"beta,omitempty"`
	Volatility     float64   `json:"volatility,omitempty"`
	LiquidityScore float64   `json:"liquidity_score,omitempty"` // [0,1]
	OpenedAt       time.Time `json:"opened_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the hard invariants every stored position must satisfy.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: position id is empty", ErrInvalidInput)
	}
	if p.Symbol == "" {
		return fmt.Errorf("%w: position symbol is empty", ErrInvalidInput)
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidInput, p.Direction)
	}
	if !(p.EntryPrice > 0) || math.IsInf(p.EntryPrice, 0) {
		return fmt.Errorf("%w: entry_price %v must be a positive finite number", ErrInvalidInput, p.EntryPrice)
	}
	if !(p.CurrentPrice > 0) || math.IsInf(p.CurrentPrice, 0) {
		return fmt.Errorf("%w: current_price %v must be a positive finite number", ErrInvalidInput, p.CurrentPrice)
	}
	if p.RiskAmount < 0 || !isFinite(p.RiskAmount) {
		return fmt.Errorf("%w: risk_amount %v must be >= 0", ErrInvalidInput, p.RiskAmount)
	}
	if !isFinite(p.Size) || !isFinite(p.PnL) {
		return fmt.Errorf("%w: non-finite size or pnl", ErrInvalidInput)
	}
	if p.LiquidityScore < 0 || p.LiquidityScore > 1 {
		return fmt.Errorf("%w: liquidity_score %v must be in [0,1]", ErrInvalidInput, p.LiquidityScore)
	}
	return nil
}

// PortfolioRisk is a derived snapshot of aggregate portfolio risk.
// All fields are percentages of portfolio value except Correlation
// (in [0,1]), Leverage (a multiple), and LiquidityRisk (an illiquidity
// score in [0,100]).
type PortfolioRisk struct {
	TotalRisk     float64 `json:"total_risk"`
	DailyRisk     float64 `json:"daily_risk"`
	Concentration float64 `json:"concentration"`
	Correlation   float64 `json:"correlation"`
	Leverage      float64 `json:"leverage"`
	LiquidityRisk float64 `json:"liquidity_risk"` // [0,100]
}

// Signal is a collaborator's trade proposal fed into position sizing.
type Signal struct {
	Direction      Direction    `json:"direction"`
	Confidence     float64      `json:"confidence"`      // [0,1]
	ExpectedReturn float64      `json:"expected_return"` // (-1,1)
	RiskReward     float64      `json:"risk_reward"`     // > 0
	TimeHorizon    float64      `json:"time_horizon"`    // hours
	Strength       float64      `json:"signal_strength"` // [0,1]
	Regime         MarketRegime `json:"market_regime,omitempty"`
}

// Validate rejects out-of-range or non-finite signal fields.
func (s *Signal) Validate() error {
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: signal direction %q", ErrInvalidInput, s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 || !isFinite(s.Confidence) {
		return fmt.Errorf("%w: confidence %v must be in [0,1]", ErrInvalidInput, s.Confidence)
	}
	if s.ExpectedReturn <= -1 || s.ExpectedReturn >= 1 || !isFinite(s.ExpectedReturn) {
		return fmt.Errorf("%w: expected_return %v must be in (-1,1)", ErrInvalidInput, s.ExpectedReturn)
	}
	if !(s.RiskReward > 0) || math.IsInf(s.RiskReward, 0) {
		return fmt.Errorf("%w: risk_reward %v must be > 0", ErrInvalidInput, s.RiskReward)
	}
	if s.Strength < 0 || s.Strength > 1 || !isFinite(s.Strength) {
		return fmt.Errorf("%w: signal_strength %v must be in [0,1]", ErrInvalidInput, s.Strength)
	}
	switch s.Regime {
	case "", RegimeBull, RegimeBear, RegimeSideways, RegimeVolatile:
	default:
		return fmt.Errorf("%w: market_regime %q", ErrInvalidInput, s.Regime)
	}
	return nil
}

// MarketData is the per-symbol market snapshot used by the sizing engine.
// Beta, Skewness, and Kurtosis are optional; zero means not provided.
type MarketData struct {
	Price      float64 `json:"price"`      // > 0
	Volume24h  float64 `json:"volume_24h"` // >= 0
	Volatility float64 `json:"volatility"` // annualized, >= 0
	Liquidity  float64 `json:"liquidity"`  // [0,1]
	Spread     float64 `json:"spread"`     // [0,1]
	Beta       float64 `json:"beta,omitempty"`
	Skewness   float64 `json:"skewness,omitempty"`
	Kurtosis   float64 `json:"kurtosis,omitempty"`
}

// Validate rejects out-of-range or non-finite market data fields.
func (m *MarketData) Validate() error {
	if !(m.Price > 0) || math.IsInf(m.Price, 0) {
		return fmt.Errorf("%w: price %v must be a positive finite number", ErrInvalidInput, m.Price)
	}
	if m.Volume24h < 0 || !isFinite(m.Volume24h) {
		return fmt.Errorf("%w: volume_24h %v must be >= 0", ErrInvalidInput, m.Volume24h)
	}
	if m.Volatility < 0 || !isFinite(m.Volatility) {
		return fmt.Errorf("%w: volatility %v must be >= 0", ErrInvalidInput, m.Volatility)
	}
	if m.Liquidity < 0 || m.Liquidity > 1 || !isFinite(m.Liquidity) {
		return fmt.Errorf("%w: liquidity %v must be in [0,1]", ErrInvalidInput, m.Liquidity)
	}
	if m.Spread < 0 || m.Spread > 1 || !isFinite(m.Spread) {
		return fmt.Errorf("%w: spread %v must be in [0,1]", ErrInvalidInput, m.Spread)
	}
	return nil
}

// Alert is an advisory event surfaced by the risk manager. Alerts never
// reject operations; rejections are errors.
type Alert struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	Severity          Severity  `json:"severity"`
	Message           string    `json:"message"`
	Timestamp         time.Time `json:"timestamp"`
	Acknowledged      bool      `json:"acknowledged"`
	PositionIDs       []string  `json:"position_ids,omitempty"`
	CurrentValue      float64   `json:"current_value"`
	Threshold         float64   `json:"threshold"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
}

// Error kinds. Callers match with errors.Is; messages carry the offending
// threshold and current value where applicable.
var (
	ErrConfigInvalid    = errors.New("configuration invalid")
	ErrOperationBlocked = errors.New("operation blocked")
	ErrLimitExceeded    = errors.New("limit exceeded")
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
)

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

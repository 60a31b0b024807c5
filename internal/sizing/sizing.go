// Package sizing computes risk-budgeted position sizes for proposed trades.
//
// The engine supports five scaling methods (fixed, volatility, kelly,
// adaptive, black_litterman) dispatched over a method tag, applies bounded
// dynamic adjustment factors, enforces per-position and daily-risk limits,
// and derives stop-loss/take-profit levels plus VaR-style risk metrics for
// the sized position. Sizing is fail-closed: any invalid input or a size
// squeezed below the configured floor returns a typed error with no state
// change.
package sizing

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"riskcore/internal/bus"
	"riskcore/internal/config"
	"riskcore/internal/metrics"
	"riskcore/internal/volcache"
	"riskcore/pkg/types"
)

// Annualization and market-quality constants shared by the sizing formulas.
const (
	tradingDays    = 252.0
	annualRiskFree = 0.02
	var95Z         = 1.645 // one-sided 95% normal quantile
	cvarBaseMult   = 2.063 // expected shortfall multiple at 95% under normality

	deepVolumeFloor   = 1_000_000
	highLiquidityBar  = 0.8
	tightSpreadBar    = 0.01
	maxStopDistance   = 0.15
	adjustmentFloor   = 0.1
	adjustmentCeiling = 2.5
)

// Black-Litterman blend parameters.
const (
	blMarketWeight = 0.10
	blAversion     = 3.0
)

// Result is a fully sized position proposal. All numeric fields are finite.
type Result struct {
	Symbol           string             `json:"symbol"`
	Direction        types.Direction    `json:"direction"`
	PositionSize     float64            `json:"position_size"` // USD
	StopLoss         float64            `json:"stop_loss"`
	TakeProfit       float64            `json:"take_profit"`
	Leverage         float64            `json:"leverage"`
	RiskAmount       float64            `json:"risk_amount"`
	PortfolioRiskPct float64            `json:"portfolio_risk_pct"`
	DailyVaR         float64            `json:"daily_var"`
	ConditionalVaR   float64            `json:"conditional_var"`
	InformationRatio float64            `json:"information_ratio"`
	Confidence       float64            `json:"confidence"`
	Method           string             `json:"method"`
	Adjustments      map[string]float64 `json:"adjustments,omitempty"`
}

// outcome is one completed trade fed back into adaptive sizing.
type outcome struct {
	pnl float64
	win bool
}

// PerformanceStats aggregates the recorded trade outcomes.
type PerformanceStats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	WinRate  float64 `json:"win_rate"`
	AvgWin   float64 `json:"avg_win"`
	AvgLoss  float64 `json:"avg_loss"`
	TotalPnL float64 `json:"total_pnl"`
}

// Engine sizes positions against the configured risk budget.
type Engine struct {
	mu             sync.Mutex
	cfg            config.SizingConfig
	portfolioValue float64
	cache          *volcache.Cache // nil when caching is disabled
	bus            *bus.Bus
	logger         *slog.Logger

	// history holds completed trade outcomes per symbol, bounded by
	// MaxPositionHistory, feeding the adaptive multiplier and
	// confidence boosts.
	history map[string][]outcome
}

// New creates a sizing engine. The config must already be validated.
func New(cfg config.SizingConfig, portfolioValue float64, b *bus.Bus, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !(portfolioValue > 0) {
		return nil, fmt.Errorf("%w: portfolio value must be > 0, got %v", types.ErrInvalidInput, portfolioValue)
	}

	var cache *volcache.Cache
	if cfg.EnableVolatilityCaching {
		cache = volcache.NewCache(cfg.VolatilityCacheTTL, logger)
	}

	return &Engine{
		cfg:            cfg,
		portfolioValue: portfolioValue,
		cache:          cache,
		bus:            b,
		logger:         logger.With("component", "sizing"),
		history:        make(map[string][]outcome),
	}, nil
}

// Cache exposes the volatility cache (nil when caching is disabled) so the
// owner can run its background sweep.
func (e *Engine) Cache() *volcache.Cache {
	return e.cache
}

// SetPortfolioValue updates the sizing base. Non-positive values are ignored.
func (e *Engine) SetPortfolioValue(v float64) {
	if !(v > 0) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.portfolioValue = v
}

// UpdateConfig validates and swaps the sizing configuration.
func (e *Engine) UpdateConfig(cfg config.SizingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.bus.Publish(bus.ConfigUpdated, map[string]string{"component": "sizing"})
	return nil
}

// ReportOutcome records a completed trade for symbol, bounded FIFO by
// MaxPositionHistory.
func (e *Engine) ReportOutcome(symbol string, pnl float64, win bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	series := append(e.history[symbol], outcome{pnl: metrics.Sanitize(pnl, 0), win: win})
	if len(series) > e.cfg.MaxPositionHistory {
		series = series[len(series)-e.cfg.MaxPositionHistory:]
	}
	e.history[symbol] = series
}

// Performance aggregates recorded outcomes across all symbols.
func (e *Engine) Performance() PerformanceStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats PerformanceStats
	var winSum, lossSum float64
	var lossCount int
	for _, series := range e.history {
		for _, o := range series {
			stats.Trades++
			stats.TotalPnL += o.pnl
			if o.win {
				stats.Wins++
				winSum += o.pnl
			} else {
				lossCount++
				lossSum += o.pnl
			}
		}
	}
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	if stats.Wins > 0 {
		stats.AvgWin = winSum / float64(stats.Wins)
	}
	if lossCount > 0 {
		stats.AvgLoss = lossSum / float64(lossCount)
	}
	return stats
}

// Size computes a sized position for the proposed trade. On success it
// emits a position-sized event carrying the full result.
func (e *Engine) Size(symbol string, sig types.Signal, md types.MarketData, pr types.PortfolioRisk) (*Result, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is empty", types.ErrInvalidInput)
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pv := e.portfolioValue

	// Step 1: resolve volatility through the cache; a miss stores the
	// freshly observed estimate once sizing succeeds.
	vol := md.Volatility
	cacheMiss := false
	if e.cache != nil {
		if entry, ok := e.cache.Get(symbol); ok {
			vol = entry.Volatility
		} else {
			cacheMiss = true
		}
	}

	// Step 2: base size by scaling method.
	base := e.baseSizeLocked(symbol, sig, md, vol)

	// Step 3: bounded adjustment factors.
	adjustments := e.adjustmentsLocked(sig, md, pr, vol)

	// Step 4: adjusted size.
	size := base
	for _, a := range adjustments {
		size *= a
	}
	if !finite(size) {
		return nil, fmt.Errorf("%w: computed size is not finite", types.ErrInvalidInput)
	}

	// Step 5: limits, in order: floor, per-position cap, daily budget.
	if size < e.cfg.MinPositionSize {
		size = e.cfg.MinPositionSize
	}
	maxPos := pv * e.cfg.MaxPositionSize / 100
	if size > maxPos {
		size = maxPos
	}
	budget := pv * math.Max(0, e.cfg.MaxDailyRisk-metrics.Sanitize(pr.DailyRisk, 0)) / 100
	if size > budget {
		size = budget
	}
	if size < e.cfg.MinPositionSize {
		return nil, fmt.Errorf("%w: available size %.2f below minimum %.2f (daily risk budget %.2f)",
			types.ErrLimitExceeded, size, e.cfg.MinPositionSize, budget)
	}
	if cacheMiss {
		e.cache.Put(symbol, vol, md.Volume24h, md.Liquidity, "market_data")
	}

	// Step 6: stop-loss and take-profit levels.
	dailyVol := vol * math.Sqrt(1.0/tradingDays)
	stopDist := math.Min(maxStopDistance,
		dailyVol*(1+(1-sig.Confidence)*0.5)*(1.5-0.5*sig.Strength)*2)
	var stop, take float64
	if sig.Direction == types.Long {
		stop = md.Price * (1 - stopDist)
		take = md.Price * (1 + sig.ExpectedReturn)
	} else {
		stop = md.Price * (1 + stopDist)
		take = md.Price * (1 - sig.ExpectedReturn)
	}

	// Step 7: risk metrics.
	riskAmount := size * stopDist
	dailyVaR := size * dailyVol * var95Z
	cvarMult := cvarBaseMult
	if abs := math.Abs(md.Skewness); abs > 1 {
		cvarMult *= 1 + (abs-1)*0.1
	}
	if md.Kurtosis > 4 {
		cvarMult *= 1 + (md.Kurtosis-4)*0.05
	}
	cvarMult *= 1 + (1-md.Liquidity)*0.2
	condVaR := size * dailyVol * cvarMult

	rfDaily := annualRiskFree / tradingDays
	infoRatio := (size / pv) * (sig.ExpectedReturn*sig.Confidence - rfDaily) /
		math.Max(dailyVol*0.5, 0.001)

	result := &Result{
		Symbol:           symbol,
		Direction:        sig.Direction,
		PositionSize:     metrics.Sanitize(size, 0),
		StopLoss:         metrics.Sanitize(stop, 0),
		TakeProfit:       metrics.Sanitize(take, 0),
		Leverage:         1.0, // sized positions are unlevered notionals
		RiskAmount:       metrics.Sanitize(riskAmount, 0),
		PortfolioRiskPct: metrics.Sanitize(riskAmount/pv*100, 0),
		DailyVaR:         metrics.Sanitize(dailyVaR, 0),
		ConditionalVaR:   metrics.Sanitize(condVaR, 0),
		InformationRatio: metrics.Sanitize(infoRatio, 0),
		Confidence:       e.sizingConfidenceLocked(symbol, sig, md, adjustments),
		Method:           e.cfg.RiskScalingMethod,
		Adjustments:      adjustments,
	}

	e.bus.Publish(bus.PositionSized, result)
	return result, nil
}

// baseSizeLocked dispatches on the configured scaling method.
func (e *Engine) baseSizeLocked(symbol string, sig types.Signal, md types.MarketData, vol float64) float64 {
	pv := e.portfolioValue
	fixed := pv * e.cfg.BaseRiskPerTrade / 100

	switch e.cfg.RiskScalingMethod {
	case config.ScalingFixed:
		return fixed

	case config.ScalingVolatility:
		// Scale inversely with volatility around a 30% annualized anchor.
		return fixed / metrics.Clamp(vol/0.3, 0.1, 2.0)

	case config.ScalingKelly:
		p := metrics.Clamp(sig.Confidence*(1+0.1*sig.Strength), 0, 1)
		kf := metrics.KellyFraction(p, sig.ExpectedReturn, -sig.ExpectedReturn/sig.RiskReward)
		frac := metrics.Clamp(kf*0.25*sig.Confidence, 0, e.cfg.KellyFractionCap)
		// Secondary scale: the Kelly allocation never exceeds twice the
		// per-trade base.
		return math.Min(pv*frac, 2*fixed)

	case config.ScalingAdaptive:
		size := fixed *
			e.performanceMultiplierLocked(symbol) *
			(0.5 + 0.5*sig.Confidence) *
			(0.8 + 0.4*sig.Strength)
		if vol > 0 {
			size *= metrics.Clamp(0.3/vol, 0.5, 1.5)
		}
		if md.Volume24h > deepVolumeFloor {
			size *= 1.1
		}
		size *= 0.8 + 0.2*md.Liquidity
		size *= 1 - md.Spread
		if md.Beta > 1.5 {
			size *= 0.9
		}
		return size

	case config.ScalingBlackLitterman:
		dailyVol := vol / math.Sqrt(tradingDays)
		variance := dailyVol * dailyVol
		var implied float64
		if variance > 0 {
			implied = (sig.ExpectedReturn - annualRiskFree) / (blAversion * variance)
		}
		blended := metrics.Clamp(0.5*blMarketWeight+0.5*metrics.Clamp(implied, -1, 1), 0, 1)
		return fixed * metrics.Clamp(blended/blMarketWeight, adjustmentFloor, adjustmentCeiling)

	default:
		return fixed
	}
}

// performanceMultiplierLocked maps the recent win rate for symbol into
// [0.8, 1.2]; with no history the multiplier is neutral.
func (e *Engine) performanceMultiplierLocked(symbol string) float64 {
	series := e.history[symbol]
	if len(series) > e.cfg.AdaptivePerformanceWindow {
		series = series[len(series)-e.cfg.AdaptivePerformanceWindow:]
	}
	if len(series) == 0 {
		return 1.0
	}
	wins := 0
	for _, o := range series {
		if o.win {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(series))
	return 0.8 + 0.4*winRate
}

// adjustmentsLocked computes the five bounded adjustment factors plus the
// tail-shape penalty. Disabled dynamic sizing yields an empty map (all
// factors neutral).
func (e *Engine) adjustmentsLocked(sig types.Signal, md types.MarketData, pr types.PortfolioRisk, vol float64) map[string]float64 {
	if !e.cfg.EnableDynamicSizing {
		return map[string]float64{}
	}

	adj := make(map[string]float64, 6)

	adj["volatility"] = metrics.Clamp(0.3/math.Max(vol, 0.01), adjustmentFloor, adjustmentCeiling)
	adj["liquidity"] = metrics.Clamp((0.5+0.5*md.Liquidity)*(1-md.Spread), adjustmentFloor, adjustmentCeiling)

	corr := metrics.Clamp(metrics.Sanitize(pr.Correlation, 0), 0, 1)
	if corr > e.cfg.CorrelationThreshold {
		adj["correlation"] = metrics.Clamp(1-(corr-e.cfg.CorrelationThreshold), adjustmentFloor, 1)
	} else {
		adj["correlation"] = 1.0
	}

	adj["portfolio_risk"] = metrics.Clamp(1-metrics.Sanitize(pr.TotalRisk, 0)/100, adjustmentFloor, adjustmentCeiling)

	regime := 1.0
	switch sig.Regime {
	case types.RegimeVolatile:
		regime = 0.7
	case types.RegimeSideways:
		regime = 1.2
	}
	adj["regime"] = regime

	tail := 1.0
	if math.Abs(md.Skewness) > 1 {
		tail *= 0.9
	}
	if md.Kurtosis > 4 {
		tail *= 0.85
	}
	adj["tail"] = metrics.Clamp(tail, adjustmentFloor, adjustmentCeiling)

	return adj
}

// sizingConfidenceLocked derives the result confidence from the signal,
// market quality, adjustment dispersion, and realized performance.
func (e *Engine) sizingConfidenceLocked(symbol string, sig types.Signal, md types.MarketData, adjustments map[string]float64) float64 {
	conf := sig.Confidence
	if md.Volume24h > deepVolumeFloor {
		conf += 0.05
	}
	if md.Liquidity > highLiquidityBar {
		conf += 0.05
	}
	if md.Spread < tightSpreadBar {
		conf += 0.05
	}

	if len(adjustments) > 0 {
		var dev float64
		for _, a := range adjustments {
			dev += math.Abs(a - 1)
		}
		conf *= 1 - (dev/float64(len(adjustments)))*0.2
	}

	series := e.history[symbol]
	if len(series) >= 10 {
		wins := 0
		for _, o := range series {
			if o.win {
				wins++
			}
		}
		if float64(wins)/float64(len(series)) > 0.6 {
			conf += 0.05
		}
	}

	return metrics.Clamp(metrics.Sanitize(conf, 0), 0, 1)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

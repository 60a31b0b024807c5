package metrics

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSharpeZeroVariance(t *testing.T) {
	t.Parallel()

	if got := Sharpe([]float64{0.01, 0.01, 0.01}, 0.02); got != 0 {
		t.Errorf("sharpe on constant series = %v, want 0", got)
	}
	if got := Sharpe(nil, 0.02); got != 0 {
		t.Errorf("sharpe on empty series = %v, want 0", got)
	}
}

func TestSharpePositive(t *testing.T) {
	t.Parallel()

	returns := []float64{0.05, 0.03, 0.07, 0.01}
	got := Sharpe(returns, 0.02)
	mean := Mean(returns)
	want := (mean - 0.02) / StdDev(returns)
	if !almostEqual(got, want) {
		t.Errorf("sharpe = %v, want %v", got, want)
	}
}

func TestMaxDrawdown(t *testing.T) {
	t.Parallel()

	// Cumulative: 10, 15, 5, 8. Peak 15, trough 5 → dip (15-5)/15.
	got := MaxDrawdown([]float64{10, 5, -10, 3})
	want := 10.0 / 15.0
	if !almostEqual(got, want) {
		t.Errorf("max drawdown = %v, want %v", got, want)
	}

	if got := MaxDrawdown(nil); got != 0 {
		t.Errorf("max drawdown on empty = %v, want 0", got)
	}
	if got := MaxDrawdown([]float64{1, 2, 3}); got != 0 {
		t.Errorf("max drawdown on rising series = %v, want 0", got)
	}
}

func TestVaR(t *testing.T) {
	t.Parallel()

	returns := []float64{-0.05, 0.01, -0.02, 0.03, 0.02, -0.01, 0.04, 0.00, 0.02, -0.03,
		0.01, 0.02, -0.04, 0.03, 0.01, 0.00, 0.02, -0.01, 0.01, 0.02}
	// (1-0.95)*20 = 1 → second-worst return.
	if got := VaR(returns, 0.95); got != -0.04 {
		t.Errorf("VaR(0.95) = %v, want -0.04", got)
	}
	if got := VaR(nil, 0.95); got != 0 {
		t.Errorf("VaR on empty = %v, want 0", got)
	}
	// Index clamps instead of panicking at extreme confidence.
	if got := VaR([]float64{-0.1, 0.1}, 0); got != 0.1 {
		t.Errorf("VaR(0) = %v, want 0.1 (clamped to last index)", got)
	}
}

func TestCorrelationSelf(t *testing.T) {
	t.Parallel()

	x := []float64{1, 2, 3, 4, 5}
	if got := Correlation(x, x); !almostEqual(got, 1) {
		t.Errorf("corr(x,x) = %v, want 1", got)
	}
}

func TestCorrelationReversed(t *testing.T) {
	t.Parallel()

	x := []float64{1, 2, 3, 4, 5}
	y := []float64{5, 4, 3, 2, 1}
	if got := Correlation(x, y); got > 0 {
		t.Errorf("corr(x,reverse(x)) = %v, want <= 0", got)
	}
}

func TestCorrelationFallbacks(t *testing.T) {
	t.Parallel()

	if got := Correlation([]float64{1, 2}, []float64{1}); got != 0 {
		t.Errorf("corr on length mismatch = %v, want 0", got)
	}
	if got := Correlation([]float64{2, 2, 2}, []float64{1, 2, 3}); got != 0 {
		t.Errorf("corr on zero variance = %v, want 0", got)
	}
	if got := Correlation([]float64{1, math.NaN()}, []float64{1, 2}); got != 0 {
		t.Errorf("corr with NaN = %v, want 0", got)
	}
}

func TestKellyFraction(t *testing.T) {
	t.Parallel()

	// b=2, p=0.6 → raw (2·0.6 − 0.4)/2 = 0.4 → ×0.25 = 0.1.
	if got := KellyFraction(0.6, 0.10, -0.05); !almostEqual(got, 0.1) {
		t.Errorf("kelly = %v, want 0.1", got)
	}
	if got := KellyFraction(0.6, 0.10, 0); got != 0 {
		t.Errorf("kelly with zero loss = %v, want 0", got)
	}
	// Negative edge clamps to zero.
	if got := KellyFraction(0.1, 0.01, -0.10); got != 0 {
		t.Errorf("kelly with negative edge = %v, want 0", got)
	}
}

func TestKellyFractionCap(t *testing.T) {
	t.Parallel()

	// Even a certain win never exceeds the 0.25 hard cap, so the sizing
	// engine's extra ×0.25 keeps allocations under 0.0625 of portfolio.
	got := KellyFraction(1.0, 100, -0.01)
	if got > 0.25 {
		t.Errorf("kelly = %v, want <= 0.25", got)
	}
	if got*0.25 > 0.0625+1e-12 {
		t.Errorf("effective allocation = %v, want <= 0.0625", got*0.25)
	}
}

func TestHerfindahl(t *testing.T) {
	t.Parallel()

	if got := Herfindahl([]float64{0.5, 0.5}); !almostEqual(got, 0.5) {
		t.Errorf("herfindahl = %v, want 0.5", got)
	}
	if got := Herfindahl([]float64{1}); !almostEqual(got, 1) {
		t.Errorf("herfindahl single = %v, want 1", got)
	}
	if got := Herfindahl(nil); got != 0 {
		t.Errorf("herfindahl empty = %v, want 0", got)
	}
}

func TestClassifyRisk(t *testing.T) {
	t.Parallel()

	cases := []struct {
		r    float64
		want string
	}{
		{2, RiskLow},
		{5, RiskLow},
		{6, RiskMedium},
		{7.5, RiskMedium},
		{9, RiskHigh},
		{10, RiskHigh},
		{11, RiskCritical},
	}
	for _, tc := range cases {
		if got := ClassifyRisk(tc.r, 10); got != tc.want {
			t.Errorf("classify(%v, 10) = %q, want %q", tc.r, got, tc.want)
		}
	}
}

func TestVaRNonFinite(t *testing.T) {
	t.Parallel()

	if got := VaR([]float64{0.1, math.Inf(1)}, 0.95); got != 0 {
		t.Errorf("VaR with Inf = %v, want 0", got)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	if got := Sanitize(math.NaN(), 1); got != 1 {
		t.Errorf("sanitize NaN = %v, want 1", got)
	}
	if got := Sanitize(math.Inf(-1), 0); got != 0 {
		t.Errorf("sanitize -Inf = %v, want 0", got)
	}
	if got := Sanitize(3.5, 0); got != 3.5 {
		t.Errorf("sanitize finite = %v, want 3.5", got)
	}
}

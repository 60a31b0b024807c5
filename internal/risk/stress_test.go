package risk

import (
	"math"
	"testing"

	"riskcore/internal/bus"
	"riskcore/internal/config"
	"riskcore/pkg/types"
)

func TestStressScenarioSevereSelloff(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Limits.MaxSectorConcentration = 60
	cfg.StressTest.FailureThreshold = 15
	cfg.StressTest.Scenarios = []config.StressScenario{
		{Name: "severe", MarketShock: -20, VolatilityMultiplier: 2.0},
	}
	m := newTestManager(t, cfg)
	completed := m.Bus().Subscribe(bus.StressTestCompleted)

	if err := m.AddPosition(longPosition("p1", 50_000, 1000)); err != nil {
		t.Fatal(err)
	}

	results := m.RunStressTests()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]

	// 20% shock on a 50% allocation: 10000 USD = 10% of portfolio.
	if math.Abs(res.LossPct-10) > 1e-9 {
		t.Errorf("loss pct = %v, want 10", res.LossPct)
	}
	if math.Abs(res.WorstCaseVaRPct-20) > 1e-9 {
		t.Errorf("worst case VaR pct = %v, want 20", res.WorstCaseVaRPct)
	}
	if !res.Passed {
		t.Error("10% loss is within the 15% failure threshold")
	}
	if res.TimeToRecoveryDays != 5 {
		t.Errorf("time to recovery = %d days, want 5", res.TimeToRecoveryDays)
	}
	if got := len(drain(completed)); got != 1 {
		t.Errorf("stress-test-completed events = %d, want 1", got)
	}
}

func TestStressFailureCreatesAlertAndRecommendation(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Limits.MaxSectorConcentration = 60
	cfg.StressTest.FailureThreshold = 5
	cfg.StressTest.Scenarios = []config.StressScenario{
		{Name: "crash", MarketShock: -20, VolatilityMultiplier: 2.0},
	}
	m := newTestManager(t, cfg)

	if err := m.AddPosition(longPosition("p1", 50_000, 1000)); err != nil {
		t.Fatal(err)
	}

	results := m.RunStressTests()
	if results[0].Passed {
		t.Fatal("10% loss must fail a 5% threshold")
	}

	foundAlert := false
	for _, a := range m.Alerts() {
		if a.Type == "stress_test" && a.Severity == types.SeverityCritical {
			foundAlert = true
		}
	}
	if !foundAlert {
		t.Error("expected critical stress_test alert")
	}

	foundRec := false
	for _, rec := range m.GenerateReport().Recommendations {
		if rec.Action == "reduce_position" && rec.Priority == "critical" {
			foundRec = true
		}
	}
	if !foundRec {
		t.Error("expected critical reduce_position recommendation")
	}
}

func TestStressShortPositionGainsOnSelloff(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Limits.MaxSectorConcentration = 60
	cfg.StressTest.Scenarios = []config.StressScenario{
		{Name: "selloff", MarketShock: -20, VolatilityMultiplier: 1.0},
	}
	m := newTestManager(t, cfg)

	short := longPosition("p1", 50_000, 1000)
	short.Direction = types.Short
	if err := m.AddPosition(short); err != nil {
		t.Fatal(err)
	}

	res := m.RunStressTests()[0]
	if res.TotalLossUSD != 0 {
		t.Errorf("short position in a selloff should not lose, got loss %v", res.TotalLossUSD)
	}
	if !res.Passed {
		t.Error("scenario with zero loss must pass")
	}
}

func TestStressEmptyPortfolio(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig())

	results := m.RunStressTests()
	for _, res := range results {
		if res.LossPct != 0 || !res.Passed {
			t.Errorf("empty portfolio scenario %q: loss %v, passed %v", res.Scenario.Name, res.LossPct, res.Passed)
		}
	}
}

func TestMonteCarloStress(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Limits.MaxSectorConcentration = 60
	cfg.StressTest.MonteCarlo = config.MonteCarloConfig{
		Enabled:         true,
		Iterations:      2000,
		ConfidenceLevel: 0.99,
	}
	m := newTestManager(t, cfg)

	p := longPosition("p1", 50_000, 1000)
	p.Volatility = 0.8
	if err := m.AddPosition(p); err != nil {
		t.Fatal(err)
	}

	m.RunStressTests()
	mc := m.GenerateReport().MonteCarlo
	if mc == nil {
		t.Fatal("expected monte carlo results")
	}
	if mc.Iterations != 2000 {
		t.Errorf("iterations = %d, want 2000", mc.Iterations)
	}
	if mc.ExpectedLossUSD < 0 || math.IsNaN(mc.ExpectedLossUSD) {
		t.Errorf("expected loss = %v, want finite >= 0", mc.ExpectedLossUSD)
	}
	if mc.WorstCaseUSD < mc.ExpectedLossUSD {
		t.Errorf("worst case %v should be >= expected loss %v", mc.WorstCaseUSD, mc.ExpectedLossUSD)
	}
	if mc.CI95LowUSD > mc.CI95HighUSD {
		t.Errorf("CI bounds inverted: [%v, %v]", mc.CI95LowUSD, mc.CI95HighUSD)
	}
}

package api

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"riskcore/internal/config"
	"riskcore/internal/risk"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	open := config.DashboardConfig{}
	restricted := config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}}

	cases := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{"no origin header", "", restricted, "dash.example.com", true},
		{"localhost allowed by default", "http://localhost:3000", open, "localhost:8090", true},
		{"loopback allowed by default", "http://127.0.0.1:3000", open, "localhost:8090", true},
		{"same host allowed by default", "https://risk.example.com", open, "risk.example.com:8090", true},
		{"cross host denied by default", "https://evil.example.com", open, "risk.example.com:8090", false},
		{"allowlisted origin", "https://dash.example.com", restricted, "risk.example.com", true},
		{"non-allowlisted origin", "https://other.example.com", restricted, "risk.example.com", false},
		{"garbage origin", "::not-a-url::", open, "risk.example.com", false},
	}
	for _, tc := range cases {
		if got := isOriginAllowed(tc.origin, tc.cfg, tc.reqHost); got != tc.want {
			t.Errorf("%s: isOriginAllowed(%q) = %v, want %v", tc.name, tc.origin, got, tc.want)
		}
	}
}

func TestBuildSnapshot(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.PortfolioValue = 123_456.789
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := risk.New(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}

	snap := BuildSnapshot(m)
	if snap.Config.PortfolioValue != 123_456.79 {
		t.Errorf("portfolio value = %v, want rounded to cents 123456.79", snap.Config.PortfolioValue)
	}
	if snap.Config.RiskScalingMethod != cfg.Sizing.RiskScalingMethod {
		t.Errorf("scaling method = %q, want %q", snap.Config.RiskScalingMethod, cfg.Sizing.RiskScalingMethod)
	}
	if snap.Report.PortfolioValue != cfg.PortfolioValue {
		t.Errorf("report portfolio value = %v", snap.Report.PortfolioValue)
	}

	// The snapshot must serialize cleanly for the wire.
	if _, err := json.Marshal(snap); err != nil {
		t.Errorf("snapshot marshal: %v", err)
	}
}

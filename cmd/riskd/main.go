// riskd — the risk-management core of the trading platform, run standalone.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	risk/manager.go          — orchestrator: position registry, limit checks, sizing, reports
//	sizing/sizing.go         — position sizing engine (fixed/volatility/kelly/adaptive/black-litterman)
//	killswitch/killswitch.go — emergency stop state machine + agent shutdown protocol
//	volcache/                — volatility cache with TTL sweep + return histories/correlations
//	metrics/metrics.go       — numeric primitives (Sharpe, VaR, drawdown, Kelly, Herfindahl)
//	bus/bus.go               — in-process pub/sub conduit for all lifecycle/advisory events
//	api/                     — read-only dashboard: snapshot endpoint + WebSocket event stream
//	notify/notify.go         — fire-and-forget webhook delivery of emergency events
//
// The core never talks to exchanges: collaborators propose trades, feed back
// results, and act on the events it emits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"riskcore/internal/api"
	"riskcore/internal/config"
	"riskcore/internal/logging"
	"riskcore/internal/notify"
	"riskcore/internal/risk"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RISK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	manager, err := risk.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create risk manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)

	if notifier := notify.New(cfg.Notify, logger); notifier != nil {
		group.Go(func() error {
			notifier.Run(gctx, manager.Bus())
			return nil
		})
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, manager, manager.Bus(), logger)
		group.Go(apiServer.Start)
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	manager.Start()

	logger.Info("risk core started",
		"portfolio_value", cfg.PortfolioValue,
		"scaling_method", cfg.Sizing.RiskScalingMethod,
		"max_portfolio_risk", cfg.Limits.MaxPortfolioRisk,
		"auto_trigger", cfg.KillSwitch.EnableAutoTrigger,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	manager.Stop()
	cancel()

	if err := group.Wait(); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

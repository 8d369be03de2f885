// Command tune runs one nightly tuning pass from the terminal and prints the
// decision audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"tradepilot/config"
	"tradepilot/internal/logging"
	"tradepilot/internal/outcome"
	"tradepilot/internal/tuning"
)

func main() {
	botKey := flag.String("bot", "", "bot key (defaults to configured)")
	rollback := flag.Bool("rollback", false, "also run rollback checks per regime")
	flag.Parse()

	godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("config load failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LoggingConfig)

	key := *botKey
	if key == "" {
		key = cfg.PipelineConfig.BotKey
	}

	outcomes := outcome.NewLogger(cfg.OutcomeConfig, cfg.StoreConfig.DataDir, nil, logging.Component(logger, "outcome"))
	params := tuning.NewParamStore(cfg.TuningConfig, cfg.StoreConfig)
	history := tuning.NewHistory(cfg.StoreConfig.DataDir, cfg.TuningConfig.HistoryFile)
	orchestrator := tuning.NewOrchestrator(
		cfg.TuningConfig, cfg.OutcomeConfig,
		params, history, outcomes, nil, nil,
		logging.Component(logger, "tuning"),
	)

	report, err := orchestrator.Run(context.Background(), key)
	if err != nil {
		fmt.Printf("tuning run failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Tuning pass for %s (phase %s): %d attempted, %d applied\n\n",
		report.BotKey, report.Phase, report.Attempted, report.Applied)
	for _, d := range report.Decisions {
		verdict := "REJECTED"
		if d.Applied {
			verdict = "APPLIED"
		}
		fmt.Printf("[%s] %-10s %-22s %.4f -> %.4f  sharpe %.3f -> %.3f  %s (%s)\n",
			verdict, d.Regime, d.Parameter, d.OldValue, d.NewValue,
			d.SharpeOld, d.SharpeNew, d.Reason, fmtTrades(d.TradesAnalyzed))
	}

	if *rollback {
		fmt.Println("\nRollback checks:")
		for _, regime := range report.Regimes {
			reverted, err := orchestrator.CheckRollback(key, regime)
			if err != nil {
				fmt.Printf("  %-10s check failed: %v\n", regime, err)
				continue
			}
			if len(reverted) == 0 {
				fmt.Printf("  %-10s ok\n", regime)
				continue
			}
			for _, d := range reverted {
				fmt.Printf("  %-10s ROLLED BACK %s to %.4f\n", regime, d.Parameter, d.NewValue)
			}
		}
	}
}

func fmtTrades(n int) string {
	return fmt.Sprintf("%d trades", n)
}

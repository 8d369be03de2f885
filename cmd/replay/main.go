// Command replay runs the historical replay engine over a date range from
// the terminal, without the HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"tradepilot/config"
	"tradepilot/internal/logging"
	"tradepilot/internal/replay"
	"tradepilot/internal/scoring"
)

func main() {
	start := flag.String("start", "", "start date (YYYY-MM-DD)")
	end := flag.String("end", "", "end date (YYYY-MM-DD)")
	flag.Parse()

	if *start == "" || *end == "" {
		fmt.Println("usage: replay -start YYYY-MM-DD -end YYYY-MM-DD")
		os.Exit(1)
	}

	godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("config load failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LoggingConfig)

	archive := replay.NewArchive(cfg.ReplayConfig, cfg.StoreConfig)
	engine := replay.NewEngine(*cfg, archive, scoring.NewMomentumScorer(), logging.Component(logger, "replay"))

	dates, err := archive.AvailableDates(*start, *end)
	if err != nil {
		fmt.Printf("archive listing failed: %v\n", err)
		os.Exit(1)
	}
	if len(dates) == 0 {
		fmt.Printf("no archived days in [%s, %s]\n", *start, *end)
		os.Exit(1)
	}

	fmt.Printf("Replaying %d days from %s to %s\n\n", len(dates), dates[0], dates[len(dates)-1])
	fmt.Printf("%-12s %8s %8s %12s %10s\n", "DATE", "SYMBOLS", "TRADES", "GROSS PNL", "HIT RATE")

	ctx := context.Background()
	totalTrades := 0
	totalPnL := 0.0
	began := time.Now()

	for _, date := range dates {
		result, err := engine.ReplayDay(ctx, date)
		if err != nil {
			fmt.Printf("%-12s replay failed: %v\n", date, err)
			os.Exit(1)
		}
		fmt.Printf("%-12s %8d %8d %12.6f %9.1f%%\n",
			result.Date, result.NSymbols, result.NTrades, result.GrossPnL, result.HitRate*100)
		totalTrades += result.NTrades
		totalPnL += result.GrossPnL
	}

	fmt.Printf("\n%d days, %d trades, gross pnl %.6f (%.1fs)\n",
		len(dates), totalTrades, totalPnL, time.Since(began).Seconds())
}

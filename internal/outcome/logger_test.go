package outcome

import (
	"math"
	"testing"
	"time"

	"tradepilot/config"
	"tradepilot/internal/logging"
	"tradepilot/internal/store"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func testLogger(t *testing.T) *Logger {
	t.Helper()
	cfg := config.OutcomeConfig{LogFile: "trade_outcomes.jsonl", AnnualizeSharpe: false}
	return NewLogger(cfg, t.TempDir(), nil, logging.Nop())
}

func TestAppendDerivesBuyFields(t *testing.T) {
	l := testLogger(t)

	entry := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	exit := entry.Add(26 * time.Hour)
	out, err := l.Append(TradeOutcome{
		BotKey:     "alpha",
		Symbol:     "AAPL",
		Side:       store.SideBuy,
		EntryPrice: 100,
		ExitPrice:  105,
		EntryTime:  entry,
		ExitTime:   exit,
		Qty:        10,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if out.TradeID == "" {
		t.Error("TradeID should be stamped")
	}
	if !floatEquals(out.ActualReturn, 0.05) {
		t.Errorf("Expected return 0.05, got %f", out.ActualReturn)
	}
	if !floatEquals(out.PnL, 50) {
		t.Errorf("Expected pnl 50, got %f", out.PnL)
	}
	if !floatEquals(out.PnLPct, 5) {
		t.Errorf("Expected pnl pct 5, got %f", out.PnLPct)
	}
	if !floatEquals(out.HoldHours, 26) {
		t.Errorf("Expected 26 hold hours, got %f", out.HoldHours)
	}
}

func TestAppendNegatesShortSide(t *testing.T) {
	l := testLogger(t)

	out, err := l.Append(TradeOutcome{
		BotKey:     "alpha",
		Symbol:     "AAPL",
		Side:       store.SideSell,
		EntryPrice: 100,
		ExitPrice:  95,
		Qty:        10,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Price fell 5%: a short gains.
	if !floatEquals(out.ActualReturn, 0.05) {
		t.Errorf("Expected short return +0.05, got %f", out.ActualReturn)
	}
	if !floatEquals(out.PnL, 50) {
		t.Errorf("Expected short pnl 50, got %f", out.PnL)
	}
}

func TestAppendStampsMissingTimes(t *testing.T) {
	l := testLogger(t)

	out, err := l.Append(TradeOutcome{BotKey: "alpha", Symbol: "AAPL", Side: store.SideBuy, EntryPrice: 100, ExitPrice: 101, Qty: 1})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if out.ExitTime.IsZero() || out.EntryTime.IsZero() {
		t.Error("Missing times should be stamped")
	}
	if out.HoldHours != 0 {
		t.Errorf("Entry defaulted to exit means zero hold, got %f", out.HoldHours)
	}
}

type captureMirror struct {
	seen []TradeOutcome
}

func (m *captureMirror) MirrorOutcome(o TradeOutcome) {
	m.seen = append(m.seen, o)
}

func TestAppendMirrorsBestEffort(t *testing.T) {
	mirror := &captureMirror{}
	cfg := config.OutcomeConfig{LogFile: "trade_outcomes.jsonl"}
	l := NewLogger(cfg, t.TempDir(), mirror, logging.Nop())

	if _, err := l.Append(TradeOutcome{BotKey: "alpha", Symbol: "AAPL", Side: store.SideBuy, EntryPrice: 100, ExitPrice: 102, Qty: 1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(mirror.seen) != 1 {
		t.Fatalf("Expected 1 mirrored outcome, got %d", len(mirror.seen))
	}
	if !floatEquals(mirror.seen[0].ActualReturn, 0.02) {
		t.Error("Mirror should receive the derived record")
	}
}

func TestLoadRecentFilters(t *testing.T) {
	l := testLogger(t)

	now := time.Now().UTC()
	rows := []TradeOutcome{
		{BotKey: "alpha", Symbol: "AAPL", Side: store.SideBuy, EntryPrice: 100, ExitPrice: 101, Qty: 1, ExitTime: now, RegimeEntry: "trending"},
		{BotKey: "alpha", Symbol: "MSFT", Side: store.SideBuy, EntryPrice: 100, ExitPrice: 99, Qty: 1, ExitTime: now, RegimeEntry: "choppy"},
		{BotKey: "beta", Symbol: "NVDA", Side: store.SideBuy, EntryPrice: 100, ExitPrice: 103, Qty: 1, ExitTime: now, RegimeEntry: "trending"},
		{BotKey: "alpha", Symbol: "TSLA", Side: store.SideBuy, EntryPrice: 100, ExitPrice: 104, Qty: 1, ExitTime: now.AddDate(0, 0, -60), RegimeEntry: "trending"},
	}
	for _, r := range rows {
		if _, err := l.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Bot filter.
	alpha, err := l.LoadRecent("alpha", 0, "")
	if err != nil {
		t.Fatalf("LoadRecent failed: %v", err)
	}
	if len(alpha) != 3 {
		t.Errorf("Expected 3 alpha rows, got %d", len(alpha))
	}

	// Lookback cuts the stale TSLA row.
	recent, _ := l.LoadRecent("alpha", 30, "")
	if len(recent) != 2 {
		t.Errorf("Expected 2 recent alpha rows, got %d", len(recent))
	}

	// Regime filter on top.
	trending, _ := l.LoadRecent("alpha", 30, "trending")
	if len(trending) != 1 || trending[0].Symbol != "AAPL" {
		t.Errorf("Expected only the recent trending AAPL row, got %+v", trending)
	}

	// Empty journal path.
	empty := testLogger(t)
	none, err := empty.LoadRecent("alpha", 30, "")
	if err != nil || len(none) != 0 {
		t.Errorf("Missing journal should yield empty result, got %d rows, err %v", len(none), err)
	}
}

func TestComputeStatistics(t *testing.T) {
	zero := ComputeStatistics(nil, false)
	if zero.TotalTrades != 0 || zero.WinRate != 0 || zero.SharpeRatio != 0 {
		t.Errorf("Empty input should produce zero statistics: %+v", zero)
	}

	outcomes := []TradeOutcome{
		{ActualReturn: 0.02, PnL: 20, HoldHours: 10, ExitReason: "take_profit"},
		{ActualReturn: 0.01, PnL: 10, HoldHours: 20, ExitReason: "take_profit"},
		{ActualReturn: -0.01, PnL: -10, HoldHours: 30, ExitReason: "stop_loss"},
	}
	stats := ComputeStatistics(outcomes, false)

	if stats.TotalTrades != 3 {
		t.Errorf("Expected 3 trades, got %d", stats.TotalTrades)
	}
	if !floatEquals(stats.WinRate, 2.0/3.0) {
		t.Errorf("Expected win rate 2/3, got %f", stats.WinRate)
	}
	if !floatEquals(stats.AvgReturn, 0.02/3) {
		t.Errorf("Expected avg return %f, got %f", 0.02/3, stats.AvgReturn)
	}
	if !floatEquals(stats.AvgHoldHours, 20) {
		t.Errorf("Expected avg hold 20h, got %f", stats.AvgHoldHours)
	}
	if stats.ExitReasons["take_profit"] != 2 || stats.ExitReasons["stop_loss"] != 1 {
		t.Errorf("Exit reason tally wrong: %+v", stats.ExitReasons)
	}
}

func TestSharpeRatio(t *testing.T) {
	if s := SharpeRatio([]float64{0.01}, false); s != 0 {
		t.Errorf("Below two samples sharpe is 0, got %f", s)
	}
	if s := SharpeRatio([]float64{0.01, 0.01, 0.01}, false); s != 0 {
		t.Errorf("Zero dispersion sharpe is 0, got %f", s)
	}

	returns := []float64{0.02, -0.01, 0.03, 0.01, -0.02}
	daily := SharpeRatio(returns, false)
	if daily <= 0 {
		t.Errorf("Positive-mean stream should have positive sharpe, got %f", daily)
	}
	annual := SharpeRatio(returns, true)
	if !floatEquals(annual, daily*math.Sqrt(252)) {
		t.Errorf("Annualized sharpe should scale by sqrt(252): %f vs %f", annual, daily)
	}
}

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradepilot/config"
	"tradepilot/internal/broker"
	"tradepilot/internal/events"
	"tradepilot/internal/execution"
	"tradepilot/internal/logging"
	"tradepilot/internal/quotes"
	"tradepilot/internal/scoring"
	"tradepilot/internal/store"
)

func testConfigs() (config.PipelineConfig, config.StoreConfig, config.ExecutionConfig) {
	pipeCfg := config.PipelineConfig{
		Symbols:        []string{"AAPL", "MSFT"},
		IntentValidity: 10 * time.Minute,
		StarterFrac:    0.20,
		MinGateConf:    0.50,
	}
	storeCfg := config.StoreConfig{BarWindowSize: 100, WriteRetries: 1, WriteBackoff: time.Millisecond}
	execCfg := config.ExecutionConfig{
		MinConfidenceAdj:  0.55,
		MaxTradesPerCycle: 5,
		MinQuantity:       1,
		CooldownPeriod:    30 * time.Minute,
	}
	return pipeCfg, storeCfg, execCfg
}

// trendingBars produces a steadily rising series with small ranges.
func trendingBars(n int, start float64) []store.Bar {
	bars := make([]store.Bar, 0, n)
	price := start
	for i := 0; i < n; i++ {
		bars = append(bars, store.Bar{
			Timestamp: time.Now().Add(time.Duration(i-n) * time.Minute),
			Open:      price,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price + 0.4,
			Volume:    1000,
		})
		price += 0.4
	}
	return bars
}

// stressedBars produces a flat series whose recent ranges explode.
func stressedBars(n int) []store.Bar {
	bars := make([]store.Bar, 0, n)
	for i := 0; i < n; i++ {
		spread := 0.2
		if i >= n-5 {
			spread = 25.0
		}
		bars = append(bars, store.Bar{
			Timestamp: time.Now().Add(time.Duration(i-n) * time.Minute),
			Open:      100,
			High:      100 + spread,
			Low:       100 - spread,
			Close:     100,
			Volume:    1000,
		})
	}
	return bars
}

func buildOrchestrator(t *testing.T, scorer scoring.Scorer, prices *quotes.StaticProvider) (*Orchestrator, *store.Store, *broker.Ledger) {
	t.Helper()
	pipeCfg, storeCfg, execCfg := testConfigs()
	brokerCfg := config.BrokerConfig{InitialCash: 100000, WholeUnitsOnly: true}

	st := store.NewEphemeral(storeCfg, logging.Nop())
	ledger := broker.New(brokerCfg, storeCfg, "", logging.Nop())
	executor := execution.NewEngine(execCfg, brokerCfg, ledger, prices, logging.Nop())
	orch := NewOrchestrator(pipeCfg, storeCfg, execCfg, st, scorer, executor, nil, logging.Nop())
	return orch, st, ledger
}

// TestCycleBuysOnStrongSignal runs a full cycle end to end: bars to features
// to prediction to gated intent to paper fill.
func TestCycleBuysOnStrongSignal(t *testing.T) {
	scorer := scoring.NewTableScorer(map[string]store.Prediction{
		"AAPL": {Label: "BUY", ProbBuy: 0.8, ProbHold: 0.15, ProbSell: 0.05, Confidence: 0.8},
	})
	prices := quotes.NewStaticProvider(map[string]float64{"AAPL": 110, "MSFT": 300})
	orch, st, ledger := buildOrchestrator(t, scorer, prices)

	for _, sym := range []string{"AAPL", "MSFT"} {
		node := st.EnsureNode(sym)
		for _, bar := range trendingBars(30, 100) {
			node.AppendBar(bar, 100)
		}
	}

	report := orch.RunCycle(context.Background(), time.Now())

	if report.Regime != RegimeTrending {
		t.Errorf("Expected trending regime, got %s", report.Regime)
	}
	if report.Diagnostics.Failed() {
		t.Errorf("Cycle should not be degraded: %+v", report.Diagnostics)
	}
	if report.Execution.Fills != 1 {
		t.Fatalf("Expected 1 fill, got %d", report.Execution.Fills)
	}
	pos, ok := ledger.Position("AAPL")
	if !ok || pos.Qty <= 0 {
		t.Fatal("Expected open AAPL position")
	}

	// Intent sizing: starter fraction scaled by confidence.
	node, _ := st.Node("AAPL")
	if node.Intent == nil {
		t.Fatal("Intent missing after cycle")
	}
	wantSize := 0.20 * 0.8
	if node.Intent.Size < wantSize-1e-9 || node.Intent.Size > wantSize+1e-9 {
		t.Errorf("Expected intent size %.3f, got %.3f", wantSize, node.Intent.Size)
	}
}

// TestStressedRegimeStandsDown verifies no orders leave the policy stage in a
// stressed market.
func TestStressedRegimeStandsDown(t *testing.T) {
	scorer := scoring.NewTableScorer(map[string]store.Prediction{
		"AAPL": {Label: "BUY", ProbBuy: 0.9, ProbHold: 0.05, ProbSell: 0.05, Confidence: 0.9},
		"MSFT": {Label: "BUY", ProbBuy: 0.9, ProbHold: 0.05, ProbSell: 0.05, Confidence: 0.9},
	})
	prices := quotes.NewStaticProvider(map[string]float64{"AAPL": 100, "MSFT": 100})
	orch, st, ledger := buildOrchestrator(t, scorer, prices)

	for _, sym := range []string{"AAPL", "MSFT"} {
		node := st.EnsureNode(sym)
		for _, bar := range stressedBars(30) {
			node.AppendBar(bar, 100)
		}
	}

	report := orch.RunCycle(context.Background(), time.Now())

	if report.Regime != RegimeStressed {
		t.Fatalf("Expected stressed regime, got %s", report.Regime)
	}
	if report.Execution.Fills != 0 {
		t.Errorf("Stand-down cycle must not fill, got %d", report.Execution.Fills)
	}
	if len(ledger.Fills()) != 0 {
		t.Error("Ledger touched during stand-down")
	}

	for _, sym := range []string{"AAPL", "MSFT"} {
		node, _ := st.Node(sym)
		if node.Policy == nil || node.Policy.Action != store.ActionStandDown {
			t.Errorf("%s: expected stand-down policy, got %+v", sym, node.Policy)
		}
		if node.Intent == nil || node.Intent.Side != store.SideFlat {
			t.Errorf("%s: expected flat intent", sym)
		}
	}
}

// TestMalformedPredictionDegradesNotAborts verifies a bad distribution is
// recorded as a scoring warning while the cycle completes.
func TestMalformedPredictionDegradesNotAborts(t *testing.T) {
	scorer := scoring.NewTableScorer(map[string]store.Prediction{
		// Probabilities sum to 1.5: invalid.
		"AAPL": {Label: "BUY", ProbBuy: 0.9, ProbHold: 0.3, ProbSell: 0.3, Confidence: 0.9},
	})
	prices := quotes.NewStaticProvider(map[string]float64{"AAPL": 100, "MSFT": 100})
	orch, st, _ := buildOrchestrator(t, scorer, prices)

	for _, sym := range []string{"AAPL", "MSFT"} {
		node := st.EnsureNode(sym)
		for _, bar := range trendingBars(30, 100) {
			node.AppendBar(bar, 100)
		}
	}

	report := orch.RunCycle(context.Background(), time.Now())

	var scoringStatus *StageStatus
	for i := range report.Diagnostics.Stages {
		if report.Diagnostics.Stages[i].Stage == "scoring" {
			scoringStatus = &report.Diagnostics.Stages[i]
		}
	}
	if scoringStatus == nil {
		t.Fatal("Scoring stage missing from diagnostics")
	}
	if len(scoringStatus.Warnings) == 0 {
		t.Error("Expected a warning for the malformed distribution")
	}

	node, _ := st.Node("AAPL")
	if node.Pred != nil {
		t.Error("Malformed prediction should be dropped")
	}
	if node.Intent == nil || node.Intent.Side != store.SideFlat {
		t.Error("Symbol without prediction should get a flat intent")
	}
	if report.Execution.Fills != 0 {
		t.Errorf("Expected no fills, got %d", report.Execution.Fills)
	}
}

// TestEmptyStoreCycle verifies a cycle over symbols with no bars completes
// with warnings instead of errors.
func TestEmptyStoreCycle(t *testing.T) {
	prices := quotes.NewStaticProvider(nil)
	orch, _, _ := buildOrchestrator(t, scoring.NewMomentumScorer(), prices)

	report := orch.RunCycle(context.Background(), time.Now())

	if report.Execution.Fills != 0 {
		t.Errorf("Expected no fills on empty store, got %d", report.Execution.Fills)
	}
	if report.Symbols != 2 {
		t.Errorf("Configured symbols should be ensured, got %d", report.Symbols)
	}
}

type sliceBarSource struct {
	bars map[string][]store.Bar
}

func (s *sliceBarSource) Bars(ctx context.Context, symbol string) ([]store.Bar, error) {
	return s.bars[symbol], nil
}

// TestBarSourceIngestion verifies the context stage pulls fresh bars from a
// wired source.
func TestBarSourceIngestion(t *testing.T) {
	pipeCfg, storeCfg, execCfg := testConfigs()
	brokerCfg := config.BrokerConfig{InitialCash: 100000}

	st := store.NewEphemeral(storeCfg, logging.Nop())
	ledger := broker.New(brokerCfg, storeCfg, "", logging.Nop())
	prices := quotes.NewStaticProvider(nil)
	executor := execution.NewEngine(execCfg, brokerCfg, ledger, prices, logging.Nop())

	source := &sliceBarSource{bars: map[string][]store.Bar{
		"AAPL": trendingBars(30, 100),
		"MSFT": trendingBars(30, 200),
	}}
	orch := NewOrchestrator(pipeCfg, storeCfg, execCfg, st, scoring.NewMomentumScorer(), executor, source, logging.Nop())

	orch.RunCycle(context.Background(), time.Now())

	node, ok := st.Node("AAPL")
	if !ok || len(node.Bars) != 30 {
		t.Fatalf("Expected 30 ingested bars, got %d", len(node.Bars))
	}
	if len(node.Features) == 0 {
		t.Error("Features not computed from ingested bars")
	}
}

// TestStaleStateClearedAtCycleStart verifies a leftover prediction from a
// prior cycle never trades when the current cycle cannot score the symbol.
func TestStaleStateClearedAtCycleStart(t *testing.T) {
	prices := quotes.NewStaticProvider(map[string]float64{"AAPL": 100})
	orch, st, _ := buildOrchestrator(t, scoring.NewTableScorer(nil), prices)

	node := st.EnsureNode("AAPL")
	stale := store.Prediction{Label: "BUY", ProbBuy: 0.8, ProbHold: 0.15, ProbSell: 0.05, Confidence: 0.8}
	node.Pred = &stale
	intent, err := store.NewIntent(store.SideBuy, 0.2, 0.8, false, 10*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("NewIntent failed: %v", err)
	}
	node.Intent = &intent
	node.Policy = &store.PolicyDecision{Action: store.ActionTrade, TradeGate: true}

	report := orch.RunCycle(context.Background(), time.Now())

	if node.Pred != nil {
		t.Error("Stale prediction survived the cycle start")
	}
	if node.Intent == nil || node.Intent.Side != store.SideFlat {
		t.Errorf("Expected flat intent after reset, got %+v", node.Intent)
	}
	if report.Execution.Fills != 0 {
		t.Errorf("Expected 0 fills on stale state, got %d", report.Execution.Fills)
	}
}

// TestCycleCompletedEventPublished verifies each cycle ends with a summary
// event on the bus.
func TestCycleCompletedEventPublished(t *testing.T) {
	scorer := scoring.NewTableScorer(map[string]store.Prediction{
		"AAPL": {Label: "HOLD", ProbBuy: 0.2, ProbHold: 0.6, ProbSell: 0.2, Confidence: 0.6},
	})
	prices := quotes.NewStaticProvider(map[string]float64{"AAPL": 100})
	orch, st, _ := buildOrchestrator(t, scorer, prices)
	node := st.EnsureNode("AAPL")
	for _, bar := range trendingBars(30, 100) {
		node.AppendBar(bar, 100)
	}

	bus := events.NewBus()
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(events.EventCycleCompleted, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	orch.SetBus(bus)

	report := orch.RunCycle(context.Background(), time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		var ev events.Event
		if n > 0 {
			ev = got[0]
		}
		mu.Unlock()
		if n == 1 {
			if regime, _ := ev.Data["regime"].(string); regime != report.Regime {
				t.Errorf("Event regime %q does not match report regime %q", regime, report.Regime)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("No cycle completed event published")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

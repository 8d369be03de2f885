package tuning

import (
	"context"
	"strings"
	"testing"
	"time"

	"tradepilot/config"
	"tradepilot/internal/logging"
	"tradepilot/internal/outcome"
	"tradepilot/internal/pipeline"
	"tradepilot/internal/store"
)

func testTuningConfig() config.TuningConfig {
	return config.TuningConfig{
		Enabled:           true,
		Phase:             PhaseFull,
		ConfigDir:         "tuning",
		HistoryFile:       "tuning_history.jsonl",
		MinTrades:         10,
		MaxChangePct:      0.20,
		MinImprovementPct: 5.0,
		RollbackThreshold: 0.30,
		LookbackDays:      30,
	}
}

func validProposal() Proposal {
	return Proposal{
		BotKey:         "alpha",
		Regime:         pipeline.RegimeTrending,
		Parameter:      ParamConfidenceThreshold,
		OldValue:       0.60,
		NewValue:       0.65,
		SharpeOld:      1.0,
		SharpeNew:      1.5,
		TradesAnalyzed: 60,
	}
}

func TestValidatorGates(t *testing.T) {
	v := NewValidator(testTuningConfig())

	tests := []struct {
		name     string
		mutate   func(*Proposal)
		approved bool
		reason   string
	}{
		{"passes all gates", func(p *Proposal) {}, true, "all gates passed"},
		{"insufficient trades", func(p *Proposal) { p.TradesAnalyzed = 20; p.SharpeNew = 10 }, false, "insufficient data"},
		{"zero current value", func(p *Proposal) { p.OldValue = 0 }, false, "relative step undefined"},
		{"step too large", func(p *Proposal) { p.NewValue = 0.80 }, false, "change too large"},
		{"weak improvement", func(p *Proposal) { p.SharpeNew = 1.02 }, false, "below required"},
		{"outside regime bounds", func(p *Proposal) {
			p.Regime = pipeline.RegimeStressed
			p.OldValue = 0.65
			p.NewValue = 0.60 // Stressed floor is 0.70
		}, false, "outside"},
		{"unknown parameter", func(p *Proposal) { p.Parameter = "magic_knob" }, false, "no documented bounds"},
	}

	for _, tt := range tests {
		p := validProposal()
		tt.mutate(&p)
		approved, reason := v.Validate(p)
		if approved != tt.approved {
			t.Errorf("%s: expected approved=%v, got %v (%s)", tt.name, tt.approved, approved, reason)
		}
		if !strings.Contains(reason, tt.reason) {
			t.Errorf("%s: expected reason containing %q, got %q", tt.name, tt.reason, reason)
		}
	}
}

// A large Sharpe gain on 20 trades still fails a 50-trade minimum.
func TestSmallSampleRejectedDespiteSharpeGain(t *testing.T) {
	cfg := testTuningConfig()
	cfg.MinTrades = 50
	v := NewValidator(cfg)

	p := validProposal()
	p.TradesAnalyzed = 20
	p.SharpeOld = 0.1
	p.SharpeNew = 5.0

	approved, reason := v.Validate(p)
	if approved {
		t.Fatal("20 trades must not clear a 50-trade minimum")
	}
	if !strings.Contains(reason, "insufficient data: 20 trades < minimum 50") {
		t.Errorf("Unexpected reason: %q", reason)
	}
}

func TestShouldRollback(t *testing.T) {
	v := NewValidator(testTuningConfig()) // Threshold 0.30

	if !v.ShouldRollback(1.0, 0.6) {
		t.Error("40 percent drop should trigger rollback")
	}
	if v.ShouldRollback(1.0, 0.8) {
		t.Error("20 percent drop should not trigger rollback")
	}
	if v.ShouldRollback(0, -1.0) {
		t.Error("Zero prior sharpe cannot trigger rollback")
	}
}

func TestReturnsConfidenceInterval(t *testing.T) {
	v := NewValidator(testTuningConfig())

	if ci := v.ReturnsConfidenceInterval([]float64{0.01}); ci.Low != 0 || ci.High != 0 {
		t.Errorf("Expected zero interval below two samples, got %+v", ci)
	}

	ci := v.ReturnsConfidenceInterval([]float64{0.01, 0.02, 0.03, 0.04, 0.05})
	mean := 0.03
	if ci.Low >= mean || ci.High <= mean {
		t.Errorf("Interval %+v should bracket the mean %f", ci, mean)
	}
	if (mean-ci.Low)-(ci.High-mean) > 1e-12 || (ci.High-mean)-(mean-ci.Low) > 1e-12 {
		t.Errorf("Interval %+v should be symmetric about the mean", ci)
	}
}

func TestGridSearchStaysInsideBound(t *testing.T) {
	b := Bound{Min: 0.50, Max: 0.80}
	candidates := GridSearch{Steps: 8}.Candidates(0.80, b)

	if len(candidates) != 7 {
		t.Fatalf("Expected 7 candidates after skipping the current value, got %d", len(candidates))
	}
	for _, c := range candidates {
		if !b.Contains(c) {
			t.Errorf("Candidate %f outside bound %+v", c, b)
		}
		if c == 0.80 {
			t.Error("Current value must be skipped")
		}
	}
}

// mixedOutcomes builds 30 steady winners at high confidence plus 30 zero-mean
// noisy trades at low confidence. Filtering out the noise lifts Sharpe.
func mixedOutcomes() []outcome.TradeOutcome {
	out := make([]outcome.TradeOutcome, 0, 60)
	for i := 0; i < 30; i++ {
		out = append(out, outcome.TradeOutcome{
			EntryConfidence: 0.75,
			ActualReturn:    0.020 + 0.001*float64(i%3),
		})
	}
	for i := 0; i < 30; i++ {
		r := 0.05
		if i%2 == 1 {
			r = -0.05
		}
		out = append(out, outcome.TradeOutcome{
			EntryConfidence: 0.52,
			ActualReturn:    r,
		})
	}
	return out
}

func TestThresholdOptimizerFiltersNoise(t *testing.T) {
	params := defaultParams("alpha", pipeline.RegimeTrending)
	opt := ThresholdOptimizer{Search: GridSearch{Steps: 8}}

	proposal, found := opt.Propose(params, mixedOutcomes(), false)
	if !found {
		t.Fatal("Expected a proposal on separable data")
	}
	if proposal.NewValue <= 0.52 {
		t.Errorf("Proposed threshold %f should exclude the noisy trades", proposal.NewValue)
	}
	if proposal.TradesAnalyzed != 30 {
		t.Errorf("Expected 30 surviving trades, got %d", proposal.TradesAnalyzed)
	}
	if proposal.SharpeNew <= proposal.SharpeOld {
		t.Errorf("Expected sharpe gain, got %f -> %f", proposal.SharpeOld, proposal.SharpeNew)
	}
}

func TestStopLossOptimizerTruncatesTail(t *testing.T) {
	params := defaultParams("alpha", pipeline.RegimeTrending)
	params.StopLossPct = 0.09

	// Mostly small winners plus a few deep losers the stop would have cut.
	outcomes := make([]outcome.TradeOutcome, 0, 24)
	for i := 0; i < 20; i++ {
		outcomes = append(outcomes, outcome.TradeOutcome{ActualReturn: 0.010 + 0.001*float64(i%4)})
	}
	for i := 0; i < 4; i++ {
		outcomes = append(outcomes, outcome.TradeOutcome{ActualReturn: -0.08})
	}

	opt := ExitOptimizer{Search: GridSearch{Steps: 8}}
	proposal, found := opt.Propose(params, outcomes, false)
	if !found {
		t.Fatal("Expected a tighter stop proposal")
	}
	if proposal.NewValue >= 0.08 {
		t.Errorf("Proposed stop %f should sit inside the loss tail", proposal.NewValue)
	}
	if proposal.SharpeNew <= proposal.SharpeOld {
		t.Errorf("Expected sharpe gain, got %f -> %f", proposal.SharpeOld, proposal.SharpeNew)
	}
}

func TestParamStoreRoundTrip(t *testing.T) {
	cfg := testTuningConfig()
	storeCfg := config.StoreConfig{DataDir: t.TempDir(), WriteRetries: 1, WriteBackoff: time.Millisecond}
	ps := NewParamStore(cfg, storeCfg)

	// Missing document falls back to defaults.
	params, err := ps.Load("alpha", pipeline.RegimeTrending)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if params.ConfidenceThreshold != 0.60 {
		t.Errorf("Expected default threshold 0.60, got %f", params.ConfidenceThreshold)
	}

	params.Set(ParamConfidenceThreshold, 0.70)
	if err := ps.Save(params); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := ps.Load("alpha", pipeline.RegimeTrending)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reloaded.ConfidenceThreshold != 0.70 {
		t.Errorf("Expected persisted threshold 0.70, got %f", reloaded.ConfidenceThreshold)
	}

	// Other regime unchanged.
	other, _ := ps.Load("alpha", pipeline.RegimeBear)
	if other.ConfidenceThreshold != 0.60 {
		t.Errorf("Bear regime document should stay at defaults, got %f", other.ConfidenceThreshold)
	}
}

func TestHistoryAppendAndFilter(t *testing.T) {
	h := NewHistory(t.TempDir(), "tuning_history.jsonl")

	d1 := Decision{BotKey: "alpha", Regime: pipeline.RegimeTrending, Parameter: ParamConfidenceThreshold, Applied: true}
	d2 := Decision{BotKey: "alpha", Regime: pipeline.RegimeBear, Parameter: ParamStopLossPct, Applied: false}
	d3 := Decision{BotKey: "beta", Regime: pipeline.RegimeTrending, Parameter: ParamStarterFraction, Applied: true}
	for _, d := range []Decision{d1, d2, d3} {
		if err := h.Append(d); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	all, err := h.Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 decisions, got %d", len(all))
	}

	trending, _ := h.Load("alpha", pipeline.RegimeTrending)
	if len(trending) != 1 || trending[0].Parameter != ParamConfidenceThreshold {
		t.Errorf("Filter returned wrong rows: %+v", trending)
	}

	missing, err := h.Load("nobody", "")
	if err != nil || len(missing) != 0 {
		t.Errorf("Expected empty result, got %d rows, err %v", len(missing), err)
	}
}

type tuningFixture struct {
	cfg        config.TuningConfig
	outcomeCfg config.OutcomeConfig
	params     *ParamStore
	history    *History
	outcomes   *outcome.Logger
}

func newTuningFixture(t *testing.T, phase string) tuningFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := testTuningConfig()
	cfg.Phase = phase
	outcomeCfg := config.OutcomeConfig{LogFile: "trade_outcomes.jsonl", AnnualizeSharpe: false}
	storeCfg := config.StoreConfig{DataDir: dir, WriteRetries: 1, WriteBackoff: time.Millisecond}
	return tuningFixture{
		cfg:        cfg,
		outcomeCfg: outcomeCfg,
		params:     NewParamStore(cfg, storeCfg),
		history:    NewHistory(dir, cfg.HistoryFile),
		outcomes:   outcome.NewLogger(outcomeCfg, dir, nil, logging.Nop()),
	}
}

func (f tuningFixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(f.cfg, f.outcomeCfg, f.params, f.history, f.outcomes, nil, nil, logging.Nop())
	o.SetOptimizers([]Optimizer{ThresholdOptimizer{Search: GridSearch{Steps: 8}}})
	return o
}

// journalMixedTrades writes the mixedOutcomes shape through the real journal
// so LoadRecent sees derived fields.
func journalMixedTrades(t *testing.T, logger *outcome.Logger) {
	t.Helper()
	for _, tr := range mixedOutcomes() {
		exit := 100 * (1 + tr.ActualReturn)
		_, err := logger.Append(outcome.TradeOutcome{
			BotKey:          "alpha",
			Symbol:          "AAPL",
			Side:            store.SideBuy,
			EntryPrice:      100,
			ExitPrice:       exit,
			Qty:             1,
			EntryConfidence: tr.EntryConfidence,
			ExitReason:      "signal_flip",
			RegimeEntry:     pipeline.RegimeTrending,
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}

func TestLoggingOnlyPhaseJournalsWithoutApplying(t *testing.T) {
	f := newTuningFixture(t, PhaseLoggingOnly)
	journalMixedTrades(t, f.outcomes)

	report, err := f.orchestrator(t).Run(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Attempted == 0 {
		t.Fatal("Expected at least one attempted change")
	}
	if report.Applied != 0 {
		t.Fatalf("logging_only must never apply, applied %d", report.Applied)
	}

	deferred := false
	for _, d := range report.Decisions {
		if d.Applied {
			t.Errorf("Decision %s applied in logging_only", d.Parameter)
		}
		if strings.Contains(d.Reason, "does not yet apply") {
			deferred = true
		}
	}
	if !deferred {
		t.Error("Approved-but-deferred decision should carry a phase reason")
	}

	// The parameter document is untouched.
	params, _ := f.params.Load("alpha", pipeline.RegimeTrending)
	if params.ConfidenceThreshold != 0.60 {
		t.Errorf("Params changed in logging_only: %f", params.ConfidenceThreshold)
	}

	// Every attempt is journaled.
	lines, err := f.history.Load("alpha", "")
	if err != nil {
		t.Fatalf("History load failed: %v", err)
	}
	if len(lines) != report.Attempted {
		t.Errorf("Expected %d journal lines, got %d", report.Attempted, len(lines))
	}
}

func TestFullPhaseAppliesApprovedChange(t *testing.T) {
	f := newTuningFixture(t, PhaseFull)
	journalMixedTrades(t, f.outcomes)

	report, err := f.orchestrator(t).Run(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Applied == 0 {
		t.Fatal("Expected an applied change in full phase")
	}

	params, _ := f.params.Load("alpha", pipeline.RegimeTrending)
	if params.ConfidenceThreshold == 0.60 {
		t.Error("Applied change should be visible in the parameter document")
	}
	if params.ConfidenceThreshold <= 0.52 {
		t.Errorf("New threshold %f should sit above the noisy cohort", params.ConfidenceThreshold)
	}
}

func TestDisabledPhaseDoesNothing(t *testing.T) {
	f := newTuningFixture(t, PhaseDisabled)
	f.cfg.Enabled = false
	journalMixedTrades(t, f.outcomes)

	report, err := f.orchestrator(t).Run(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Attempted != 0 || report.Applied != 0 {
		t.Errorf("Disabled run must not attempt changes: %+v", report)
	}
	if report.Phase != PhaseDisabled {
		t.Errorf("Expected phase disabled, got %s", report.Phase)
	}
}

func TestCheckRollbackRevertsDegradedParameter(t *testing.T) {
	f := newTuningFixture(t, PhaseFull)

	// Journal a flat-to-losing recent stretch.
	for i := 0; i < 20; i++ {
		exit := 101.0
		if i%2 == 1 {
			exit = 98.8
		}
		if _, err := f.outcomes.Append(outcome.TradeOutcome{
			BotKey:      "alpha",
			Symbol:      "AAPL",
			Side:        store.SideBuy,
			EntryPrice:  100,
			ExitPrice:   exit,
			Qty:         1,
			RegimeEntry: pipeline.RegimeTrending,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// The change being watched: applied earlier at a strong sharpe.
	applied := Decision{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		BotKey:    "alpha",
		Regime:    pipeline.RegimeTrending,
		Parameter: ParamConfidenceThreshold,
		OldValue:  0.60,
		NewValue:  0.70,
		SharpeOld: 1.2,
		SharpeNew: 2.0,
		Applied:   true,
	}
	if err := f.history.Append(applied); err != nil {
		t.Fatalf("History append failed: %v", err)
	}

	params, _ := f.params.Load("alpha", pipeline.RegimeTrending)
	params.Set(ParamConfidenceThreshold, 0.70)
	if err := f.params.Save(params); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reverted, err := f.orchestrator(t).CheckRollback("alpha", pipeline.RegimeTrending)
	if err != nil {
		t.Fatalf("CheckRollback failed: %v", err)
	}
	if len(reverted) != 1 {
		t.Fatalf("Expected 1 rollback, got %d", len(reverted))
	}
	if reverted[0].NewValue != 0.60 || reverted[0].RolledBackAt == nil {
		t.Errorf("Rollback decision malformed: %+v", reverted[0])
	}

	restored, _ := f.params.Load("alpha", pipeline.RegimeTrending)
	if restored.ConfidenceThreshold != 0.60 {
		t.Errorf("Expected threshold restored to 0.60, got %f", restored.ConfidenceThreshold)
	}
}

func TestCheckRollbackLeavesHealthyParameter(t *testing.T) {
	f := newTuningFixture(t, PhaseFull)

	// Steady winners: current sharpe stays near the recorded one.
	for i := 0; i < 20; i++ {
		if _, err := f.outcomes.Append(outcome.TradeOutcome{
			BotKey:      "alpha",
			Symbol:      "AAPL",
			Side:        store.SideBuy,
			EntryPrice:  100,
			ExitPrice:   102 + 0.1*float64(i%3),
			Qty:         1,
			RegimeEntry: pipeline.RegimeTrending,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := f.history.Append(Decision{
		BotKey:    "alpha",
		Regime:    pipeline.RegimeTrending,
		Parameter: ParamConfidenceThreshold,
		OldValue:  0.60,
		NewValue:  0.70,
		SharpeNew: 0.5,
		Applied:   true,
	}); err != nil {
		t.Fatalf("History append failed: %v", err)
	}

	reverted, err := f.orchestrator(t).CheckRollback("alpha", pipeline.RegimeTrending)
	if err != nil {
		t.Fatalf("CheckRollback failed: %v", err)
	}
	if len(reverted) != 0 {
		t.Errorf("Healthy parameter must not roll back: %+v", reverted)
	}
}

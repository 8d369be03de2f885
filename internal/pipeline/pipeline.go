// Package pipeline sequences the per-cycle stages: context, features,
// scoring, policy, execution. A stage failure degrades the cycle, it never
// aborts it; every stage appends its status to the cycle diagnostics.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/config"
	"tradepilot/internal/events"
	"tradepilot/internal/execution"
	"tradepilot/internal/indicators"
	"tradepilot/internal/scoring"
	"tradepilot/internal/store"
)

// Market regimes produced by the context stage.
const (
	RegimeTrending = "trending"
	RegimeBear     = "bear"
	RegimeChoppy   = "choppy"
	RegimeStressed = "stressed"
)

// StageStatus is one stage's entry in the per-cycle diagnostics summary.
type StageStatus struct {
	Stage    string        `json:"stage"`
	OK       bool          `json:"ok"`
	Err      string        `json:"error,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Diagnostics aggregates stage statuses for one cycle.
type Diagnostics struct {
	Stages []StageStatus `json:"stages"`
}

func (d *Diagnostics) add(status StageStatus) {
	d.Stages = append(d.Stages, status)
}

// Failed reports whether any stage recorded a failure.
func (d *Diagnostics) Failed() bool {
	for _, s := range d.Stages {
		if !s.OK {
			return true
		}
	}
	return false
}

// CycleReport is the result of one full pipeline cycle.
type CycleReport struct {
	StartedAt   time.Time             `json:"started_at"`
	Duration    time.Duration         `json:"duration"`
	Regime      string                `json:"regime"`
	Breadth     float64               `json:"breadth"` // Fraction of symbols with positive momentum
	Symbols     int                   `json:"symbols"`
	Diagnostics Diagnostics           `json:"diagnostics"`
	Execution   execution.CycleResult `json:"execution"`
}

// BarSource feeds fresh bars into the working memory at the start of a cycle.
// Live cycles wire the market-data collaborator here; replay pre-loads the
// store and passes nil.
type BarSource interface {
	Bars(ctx context.Context, symbol string) ([]store.Bar, error)
}

// Orchestrator runs the staged cycle over the working-memory store.
type Orchestrator struct {
	cfg      config.PipelineConfig
	storeCfg config.StoreConfig
	cooldown time.Duration
	st       *store.Store
	scorer   scoring.Scorer
	executor *execution.Engine
	bars     BarSource
	bus      *events.Bus
	logger   zerolog.Logger
}

func NewOrchestrator(
	cfg config.PipelineConfig,
	storeCfg config.StoreConfig,
	execCfg config.ExecutionConfig,
	st *store.Store,
	scorer scoring.Scorer,
	executor *execution.Engine,
	bars BarSource,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		storeCfg: storeCfg,
		cooldown: execCfg.CooldownPeriod,
		st:       st,
		scorer:   scorer,
		executor: executor,
		bars:     bars,
		logger:   logger,
	}
}

// SetBus wires the event bus for cycle summary events. Nil disables
// publishing.
func (o *Orchestrator) SetBus(bus *events.Bus) {
	o.bus = bus
}

// RunCycle executes one full cycle. Stages run strictly in order; each runs
// to the point of success or recorded failure.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) CycleReport {
	report := CycleReport{StartedAt: now}

	// Stale per-cycle fields must not leak into this cycle: a symbol whose
	// scoring fails today must not trade on yesterday's prediction.
	for _, symbol := range o.st.Symbols() {
		if node, ok := o.st.Node(symbol); ok {
			node.ResetCycle()
		}
	}

	regime, breadth := o.contextStage(ctx, &report.Diagnostics)
	report.Regime = regime
	report.Breadth = breadth

	o.featureStage(&report.Diagnostics)
	o.scoringStage(&report.Diagnostics)
	o.policyStage(regime, now, &report.Diagnostics)
	report.Execution = o.executionStage(ctx, now, &report.Diagnostics)

	report.Symbols = len(o.st.Symbols())
	report.Duration = time.Since(now)

	if err := o.st.Flush(); err != nil {
		report.Diagnostics.add(StageStatus{Stage: "persist", OK: false, Err: err.Error()})
		if o.bus != nil {
			o.bus.PublishError("pipeline", "working-memory persist failed", err)
		}
	} else {
		report.Diagnostics.add(StageStatus{Stage: "persist", OK: true})
	}

	if o.bus != nil {
		o.bus.PublishCycleCompleted(regime, report.Symbols, report.Execution.Fills, report.Diagnostics.Failed())
	}

	o.logger.Info().
		Str("regime", regime).
		Int("symbols", report.Symbols).
		Int("fills", report.Execution.Fills).
		Bool("degraded", report.Diagnostics.Failed()).
		Dur("duration", report.Duration).
		Msg("cycle complete")

	return report
}

// contextStage ingests fresh bars and classifies the market regime from
// cross-symbol breadth and volatility.
func (o *Orchestrator) contextStage(ctx context.Context, diag *Diagnostics) (string, float64) {
	started := time.Now()
	status := StageStatus{Stage: "context", OK: true}

	for _, symbol := range o.cfg.Symbols {
		o.st.EnsureNode(symbol)
	}

	if o.bars != nil {
		for _, symbol := range o.st.Symbols() {
			bars, err := o.bars.Bars(ctx, symbol)
			if err != nil {
				// Missing symbol data: skip the unit of work, log, continue.
				status.Warnings = append(status.Warnings, fmt.Sprintf("%s: %v", symbol, err))
				continue
			}
			node := o.st.EnsureNode(symbol)
			node.Bars = nil
			for _, bar := range bars {
				node.AppendBar(bar, o.storeCfg.BarWindowSize)
			}
		}
	}

	positive := 0
	total := 0
	stressed := 0
	for _, symbol := range o.st.Symbols() {
		node, _ := o.st.Node(symbol)
		if node == nil || len(node.Bars) == 0 {
			continue
		}
		total++
		if indicators.Momentum(node.Bars, 5) > 0 {
			positive++
		}
		if indicators.VolatilityRatio(node.Bars, 5, 20) > 2.0 {
			stressed++
		}
	}

	breadth := 0.0
	if total > 0 {
		breadth = float64(positive) / float64(total)
	}

	regime := RegimeChoppy
	switch {
	case total > 0 && float64(stressed)/float64(total) > 0.5:
		regime = RegimeStressed
	case breadth >= 0.65:
		regime = RegimeTrending
	case total > 0 && breadth <= 0.35:
		regime = RegimeBear
	}

	status.Duration = time.Since(started)
	diag.add(status)
	return regime, breadth
}

// featureStage computes the indicator feature map for every node.
func (o *Orchestrator) featureStage(diag *Diagnostics) {
	started := time.Now()
	status := StageStatus{Stage: "features", OK: true}

	for _, symbol := range o.st.Symbols() {
		node, _ := o.st.Node(symbol)
		if node == nil {
			continue
		}
		if len(node.Bars) == 0 {
			status.Warnings = append(status.Warnings, symbol+": no bars")
			continue
		}
		node.Features = indicators.Compute(node.Bars)
	}

	status.Duration = time.Since(started)
	diag.add(status)
}

// scoringStage calls the external scoring collaborator per symbol. Malformed
// distributions are a validation failure recorded in diagnostics; the node's
// prediction is dropped and later stages run on what remains.
func (o *Orchestrator) scoringStage(diag *Diagnostics) {
	started := time.Now()
	status := StageStatus{Stage: "scoring", OK: true}

	for _, symbol := range o.st.Symbols() {
		node, _ := o.st.Node(symbol)
		if node == nil || len(node.Features) == 0 {
			continue
		}

		pred, err := o.scorer.Score(symbol, node.Features)
		if err != nil {
			status.Warnings = append(status.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			continue
		}
		if !pred.Valid() {
			status.Warnings = append(status.Warnings, symbol+": malformed probability distribution")
			node.Pred = nil
			continue
		}
		node.Pred = &pred
	}

	status.Duration = time.Since(started)
	diag.add(status)
}

// policyStage turns predictions into gated, sized execution intents. Exactly
// one intent per symbol per cycle.
func (o *Orchestrator) policyStage(regime string, now time.Time, diag *Diagnostics) {
	started := time.Now()
	status := StageStatus{Stage: "policy", OK: true}

	for _, symbol := range o.st.Symbols() {
		node, _ := o.st.Node(symbol)
		if node == nil {
			continue
		}

		decision, intent, err := o.decide(node, regime, now)
		if err != nil {
			status.Warnings = append(status.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			continue
		}
		node.Policy = &decision
		node.Intent = &intent
		node.Updated = now
	}

	status.Duration = time.Since(started)
	diag.add(status)
}

func (o *Orchestrator) decide(node *store.SymbolNode, regime string, now time.Time) (store.PolicyDecision, store.ExecutionIntent, error) {
	decision := store.PolicyDecision{
		Action:    store.ActionTrade,
		TradeGate: false,
		Regime:    regime,
	}

	if regime == RegimeStressed {
		decision.Action = store.ActionStandDown
		decision.Reason = "market stressed"
		intent, err := store.NewIntent(store.SideFlat, 0, 0, false, o.cfg.IntentValidity, now)
		return decision, intent, err
	}

	if node.Pred == nil {
		decision.Reason = "no prediction"
		intent, err := store.NewIntent(store.SideFlat, 0, 0, false, o.cfg.IntentValidity, now)
		return decision, intent, err
	}

	side := store.SideFlat
	switch node.Pred.Label {
	case "BUY":
		side = store.SideBuy
	case "SELL":
		side = store.SideSell
	}

	if side == store.SideFlat || node.Pred.Confidence < o.cfg.MinGateConf {
		decision.Reason = "below gate confidence"
		intent, err := store.NewIntent(store.SideFlat, 0, node.Pred.Confidence, false, o.cfg.IntentValidity, now)
		return decision, intent, err
	}

	decision.TradeGate = true
	size := o.cfg.StarterFrac * node.Pred.Confidence
	if size > 1 {
		size = 1
	}

	cooldown := node.Audit.InCooldown(now, o.cooldown)
	intent, err := store.NewIntent(side, size, node.Pred.Confidence, cooldown, o.cfg.IntentValidity, now)
	return decision, intent, err
}

// executionStage hands the cycle to the execution engine.
func (o *Orchestrator) executionStage(ctx context.Context, now time.Time, diag *Diagnostics) execution.CycleResult {
	started := time.Now()
	status := StageStatus{Stage: "execution", OK: true}

	result := o.executor.ExecuteCycle(ctx, o.st, now)

	status.Duration = time.Since(started)
	diag.add(status)
	return result
}

package tuning

import (
	"math"

	"tradepilot/internal/outcome"
)

// SearchStrategy generates candidate values for one parameter inside its
// documented bound. The default is a bounded grid; smarter strategies plug in
// without touching the validator contract.
type SearchStrategy interface {
	Candidates(current float64, b Bound) []float64
}

// GridSearch emits Steps evenly spaced candidates across the bound, skipping
// values indistinguishable from the current one.
type GridSearch struct {
	Steps int
}

func (g GridSearch) Candidates(current float64, b Bound) []float64 {
	steps := g.Steps
	if steps < 2 {
		steps = 8
	}
	out := make([]float64, 0, steps)
	width := b.Max - b.Min
	for i := 0; i < steps; i++ {
		v := b.Min + width*float64(i)/float64(steps-1)
		if math.Abs(v-current) < 1e-9 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Optimizer proposes changes for one parameter by recomputing Sharpe on
// historically adjusted returns. Final approval is always the validator's.
type Optimizer interface {
	Parameter() string
	Propose(params BotParams, outcomes []outcome.TradeOutcome, annualize bool) (Proposal, bool)
}

func baseSharpe(outcomes []outcome.TradeOutcome, annualize bool) (float64, []float64) {
	returns := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		returns = append(returns, o.ActualReturn)
	}
	return outcome.SharpeRatio(returns, annualize), returns
}

func newProposal(params BotParams, parameter string, oldV, newV, sharpeOld, sharpeNew float64, trades int, returns []float64) Proposal {
	return Proposal{
		BotKey:         params.BotKey,
		Regime:         params.Regime,
		Parameter:      parameter,
		OldValue:       oldV,
		NewValue:       newV,
		SharpeOld:      sharpeOld,
		SharpeNew:      sharpeNew,
		TradesAnalyzed: trades,
		Returns:        returns,
	}
}

// ThresholdOptimizer asks "what if only trades at or above this confidence
// had been taken" and keeps the threshold with the best filtered Sharpe.
type ThresholdOptimizer struct {
	Search SearchStrategy
}

func (o ThresholdOptimizer) Parameter() string { return ParamConfidenceThreshold }

func (o ThresholdOptimizer) Propose(params BotParams, outcomes []outcome.TradeOutcome, annualize bool) (Proposal, bool) {
	current := params.ConfidenceThreshold
	sharpeOld, _ := baseSharpe(outcomes, annualize)
	bound, ok := BoundFor(ParamConfidenceThreshold, params.Regime)
	if !ok {
		return Proposal{}, false
	}

	best := Proposal{}
	found := false
	for _, candidate := range o.Search.Candidates(current, bound) {
		filtered := make([]float64, 0, len(outcomes))
		for _, tr := range outcomes {
			if tr.EntryConfidence >= candidate {
				filtered = append(filtered, tr.ActualReturn)
			}
		}
		sharpe := outcome.SharpeRatio(filtered, annualize)
		if sharpe <= sharpeOld {
			continue
		}
		if !found || sharpe > best.SharpeNew {
			best = newProposal(params, ParamConfidenceThreshold, current, candidate, sharpeOld, sharpe, len(filtered), filtered)
			found = true
		}
	}
	return best, found
}

// SizingOptimizer rescales historical returns by the candidate starter
// fraction with a quadratic impact penalty, so larger sizing is not a free
// Sharpe multiplier.
type SizingOptimizer struct {
	Search SearchStrategy
	// Impact is the per-unit-of-size friction applied quadratically.
	Impact float64
}

func (o SizingOptimizer) Parameter() string { return ParamStarterFraction }

func (o SizingOptimizer) Propose(params BotParams, outcomes []outcome.TradeOutcome, annualize bool) (Proposal, bool) {
	current := params.StarterFraction
	if current <= 0 {
		return Proposal{}, false
	}
	impact := o.Impact
	if impact <= 0 {
		impact = 0.002
	}
	bound, ok := BoundFor(ParamStarterFraction, params.Regime)
	if !ok {
		return Proposal{}, false
	}

	sharpeOld := adjustedSizingSharpe(outcomes, 1.0, impact*current, annualize)

	best := Proposal{}
	found := false
	for _, candidate := range o.Search.Candidates(current, bound) {
		scale := candidate / current
		adjusted := adjustedSizingReturns(outcomes, scale, impact*candidate)
		sharpe := outcome.SharpeRatio(adjusted, annualize)
		if sharpe <= sharpeOld {
			continue
		}
		if !found || sharpe > best.SharpeNew {
			best = newProposal(params, ParamStarterFraction, current, candidate, sharpeOld, sharpe, len(adjusted), adjusted)
			found = true
		}
	}
	return best, found
}

func adjustedSizingReturns(outcomes []outcome.TradeOutcome, scale, friction float64) []float64 {
	out := make([]float64, 0, len(outcomes))
	for _, tr := range outcomes {
		out = append(out, tr.ActualReturn*scale-friction*scale)
	}
	return out
}

func adjustedSizingSharpe(outcomes []outcome.TradeOutcome, scale, friction float64, annualize bool) float64 {
	return outcome.SharpeRatio(adjustedSizingReturns(outcomes, scale, friction), annualize)
}

// ExitOptimizer evaluates stop-loss and take-profit levels by truncating
// historical returns at the candidate level.
type ExitOptimizer struct {
	Search SearchStrategy
}

func (o ExitOptimizer) Parameter() string { return ParamStopLossPct }

func (o ExitOptimizer) Propose(params BotParams, outcomes []outcome.TradeOutcome, annualize bool) (Proposal, bool) {
	sharpeOld, _ := baseSharpe(outcomes, annualize)
	bound, ok := BoundFor(ParamStopLossPct, params.Regime)
	if !ok {
		return Proposal{}, false
	}

	best := Proposal{}
	found := false
	for _, candidate := range o.Search.Candidates(params.StopLossPct, bound) {
		adjusted := make([]float64, 0, len(outcomes))
		for _, tr := range outcomes {
			adjusted = append(adjusted, math.Max(tr.ActualReturn, -candidate))
		}
		sharpe := outcome.SharpeRatio(adjusted, annualize)
		if sharpe <= sharpeOld {
			continue
		}
		if !found || sharpe > best.SharpeNew {
			best = newProposal(params, ParamStopLossPct, params.StopLossPct, candidate, sharpeOld, sharpe, len(adjusted), adjusted)
			found = true
		}
	}
	return best, found
}

// TakeProfitOptimizer caps historical returns at the candidate level to test
// whether earlier profit taking would have smoothed the return stream.
type TakeProfitOptimizer struct {
	Search SearchStrategy
}

func (o TakeProfitOptimizer) Parameter() string { return ParamTakeProfitPct }

func (o TakeProfitOptimizer) Propose(params BotParams, outcomes []outcome.TradeOutcome, annualize bool) (Proposal, bool) {
	sharpeOld, _ := baseSharpe(outcomes, annualize)
	bound, ok := BoundFor(ParamTakeProfitPct, params.Regime)
	if !ok {
		return Proposal{}, false
	}

	best := Proposal{}
	found := false
	for _, candidate := range o.Search.Candidates(params.TakeProfitPct, bound) {
		adjusted := make([]float64, 0, len(outcomes))
		for _, tr := range outcomes {
			adjusted = append(adjusted, math.Min(tr.ActualReturn, candidate))
		}
		sharpe := outcome.SharpeRatio(adjusted, annualize)
		if sharpe <= sharpeOld {
			continue
		}
		if !found || sharpe > best.SharpeNew {
			best = newProposal(params, ParamTakeProfitPct, params.TakeProfitPct, candidate, sharpeOld, sharpe, len(adjusted), adjusted)
			found = true
		}
	}
	return best, found
}

package tuning

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"tradepilot/config"
)

// Proposal is one optimizer-suggested parameter change awaiting validation.
type Proposal struct {
	BotKey         string    `json:"bot_key"`
	Regime         string    `json:"regime"`
	Parameter      string    `json:"parameter"`
	OldValue       float64   `json:"old_value"`
	NewValue       float64   `json:"new_value"`
	SharpeOld      float64   `json:"sharpe_old"`
	SharpeNew      float64   `json:"sharpe_new"`
	TradesAnalyzed int       `json:"trades_analyzed"`
	Returns        []float64 `json:"-"` // Adjusted returns backing SharpeNew
}

// ImprovementPct is the relative Sharpe gain of the proposal in percent.
func (p Proposal) ImprovementPct() float64 {
	if math.Abs(p.SharpeOld) < 1e-9 {
		if p.SharpeNew > 0 {
			return 100
		}
		return 0
	}
	return (p.SharpeNew - p.SharpeOld) / math.Abs(p.SharpeOld) * 100
}

// ConfidenceInterval is a two-sided t-approximate interval over returns.
type ConfidenceInterval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Validator gates every proposed change. A proposal passes only when all
// four conditions hold: enough trades, a bounded relative step, a material
// Sharpe gain, and a new value inside the regime's documented bounds.
type Validator struct {
	cfg config.TuningConfig
}

func NewValidator(cfg config.TuningConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate returns whether the proposal is approved and, when not, the
// concrete rejection reason.
func (v *Validator) Validate(p Proposal) (bool, string) {
	if p.TradesAnalyzed < v.cfg.MinTrades {
		return false, fmt.Sprintf("insufficient data: %d trades < minimum %d", p.TradesAnalyzed, v.cfg.MinTrades)
	}

	if math.Abs(p.OldValue) < 1e-9 {
		return false, "current value is zero, relative step undefined"
	}
	relChange := math.Abs(p.NewValue-p.OldValue) / math.Abs(p.OldValue)
	if relChange > v.cfg.MaxChangePct {
		return false, fmt.Sprintf("change too large: %.1f%% > maximum %.1f%% per step", relChange*100, v.cfg.MaxChangePct*100)
	}

	improvement := p.ImprovementPct()
	if improvement < v.cfg.MinImprovementPct {
		return false, fmt.Sprintf("sharpe improvement %.2f%% below required %.2f%%", improvement, v.cfg.MinImprovementPct)
	}

	bound, ok := BoundFor(p.Parameter, p.Regime)
	if !ok {
		return false, fmt.Sprintf("no documented bounds for parameter %q", p.Parameter)
	}
	if !bound.Contains(p.NewValue) {
		return false, fmt.Sprintf("value %.4f outside %s bounds [%.4f, %.4f] for regime %s",
			p.NewValue, p.Parameter, bound.Min, bound.Max, p.Regime)
	}

	return true, "all gates passed"
}

// ReturnsConfidenceInterval computes a 95% t-approximate interval for the
// mean of the proposal's adjusted returns. Zero interval below two samples.
func (v *Validator) ReturnsConfidenceInterval(returns []float64) ConfidenceInterval {
	n := len(returns)
	if n < 2 {
		return ConfidenceInterval{}
	}
	mean := stat.Mean(returns, nil)
	stdev := stat.StdDev(returns, nil)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(0.975)
	half := t * stdev / math.Sqrt(float64(n))
	return ConfidenceInterval{Low: mean - half, High: mean + half}
}

// ShouldRollback reports whether the relative Sharpe drop after a change
// exceeds the configured rollback threshold.
func (v *Validator) ShouldRollback(sharpeBefore, sharpeAfter float64) bool {
	if math.Abs(sharpeBefore) < 1e-9 {
		return false
	}
	drop := (sharpeBefore - sharpeAfter) / math.Abs(sharpeBefore)
	return drop > v.cfg.RollbackThreshold
}

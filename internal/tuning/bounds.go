// Package tuning autonomously retunes risk parameters under statistical
// safety gates: optimizers propose, the validator approves, the orchestrator
// applies and journals every attempt.
package tuning

import "tradepilot/internal/pipeline"

// Tunable parameter identifiers.
const (
	ParamConfidenceThreshold = "confidence_threshold"
	ParamStarterFraction     = "starter_fraction"
	ParamMaxWeightPerName    = "max_weight_per_name"
	ParamStopLossPct         = "stop_loss_pct"
	ParamTakeProfitPct       = "take_profit_pct"
)

// Bound is the documented hard range for one parameter in one regime. The
// validator rejects any proposal outside it, whatever the Sharpe gain.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// boundTable maps regime -> parameter -> bound. Bear and stressed regimes get
// tighter risk and wider confidence floors than trending markets.
var boundTable = map[string]map[string]Bound{
	pipeline.RegimeTrending: {
		ParamConfidenceThreshold: {Min: 0.50, Max: 0.80},
		ParamStarterFraction:     {Min: 0.10, Max: 0.50},
		ParamMaxWeightPerName:    {Min: 0.05, Max: 0.25},
		ParamStopLossPct:         {Min: 0.02, Max: 0.10},
		ParamTakeProfitPct:       {Min: 0.03, Max: 0.25},
	},
	pipeline.RegimeChoppy: {
		ParamConfidenceThreshold: {Min: 0.55, Max: 0.85},
		ParamStarterFraction:     {Min: 0.08, Max: 0.40},
		ParamMaxWeightPerName:    {Min: 0.04, Max: 0.20},
		ParamStopLossPct:         {Min: 0.015, Max: 0.08},
		ParamTakeProfitPct:       {Min: 0.02, Max: 0.15},
	},
	pipeline.RegimeBear: {
		ParamConfidenceThreshold: {Min: 0.60, Max: 0.90},
		ParamStarterFraction:     {Min: 0.05, Max: 0.30},
		ParamMaxWeightPerName:    {Min: 0.03, Max: 0.15},
		ParamStopLossPct:         {Min: 0.01, Max: 0.06},
		ParamTakeProfitPct:       {Min: 0.02, Max: 0.12},
	},
	pipeline.RegimeStressed: {
		ParamConfidenceThreshold: {Min: 0.70, Max: 0.95},
		ParamStarterFraction:     {Min: 0.02, Max: 0.15},
		ParamMaxWeightPerName:    {Min: 0.02, Max: 0.10},
		ParamStopLossPct:         {Min: 0.01, Max: 0.04},
		ParamTakeProfitPct:       {Min: 0.015, Max: 0.08},
	},
}

// BoundFor returns the documented bound for a parameter in a regime. Unknown
// regimes fall back to the choppy (middle-conservative) table.
func BoundFor(parameter, regime string) (Bound, bool) {
	table, ok := boundTable[regime]
	if !ok {
		table = boundTable[pipeline.RegimeChoppy]
	}
	b, ok := table[parameter]
	return b, ok
}

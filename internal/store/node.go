package store

import (
	"fmt"
	"time"
)

// Side is the direction of an execution intent or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideFlat Side = "FLAT"
)

// PolicyAction is the coarse action decided by the policy stage.
type PolicyAction string

const (
	ActionTrade     PolicyAction = "TRADE"
	ActionStandDown PolicyAction = "STAND_DOWN"
)

// Bar is one OHLCV bar in a symbol's sliding window.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Prediction is the scoring collaborator's output for one symbol: a label plus
// a 3-way probability distribution over BUY/HOLD/SELL that sums to ~1.
type Prediction struct {
	Label       string    `json:"label"` // "BUY", "HOLD", "SELL"
	ProbBuy     float64   `json:"prob_buy"`
	ProbHold    float64   `json:"prob_hold"`
	ProbSell    float64   `json:"prob_sell"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Valid reports whether the distribution is well formed.
func (p Prediction) Valid() bool {
	sum := p.ProbBuy + p.ProbHold + p.ProbSell
	if sum < 0.99 || sum > 1.01 {
		return false
	}
	for _, v := range []float64{p.ProbBuy, p.ProbHold, p.ProbSell} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// PolicyDecision is the policy stage's gate output for one symbol.
type PolicyDecision struct {
	Action    PolicyAction `json:"action"`
	TradeGate bool         `json:"trade_gate"`
	Reason    string       `json:"reason,omitempty"`
	Regime    string       `json:"regime,omitempty"`
}

// ExecutionIntent is the policy stage's decided action, size and validity
// window, consumed by the execution engine. Exactly one per symbol per cycle.
type ExecutionIntent struct {
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`           // Fraction of capital, [0,1]
	ConfidenceAdj float64   `json:"confidence_adj"` // [0,1]
	Cooldown      bool      `json:"cooldown"`
	ValidUntil    time.Time `json:"valid_until"`
	Created       time.Time `json:"created"`
}

// NewIntent builds a validated execution intent. Intents with an out-of-range
// side, size or confidence are never constructed.
func NewIntent(side Side, size, confidenceAdj float64, cooldown bool, validFor time.Duration, now time.Time) (ExecutionIntent, error) {
	switch side {
	case SideBuy, SideSell, SideFlat:
	default:
		return ExecutionIntent{}, fmt.Errorf("invalid intent side %q", side)
	}
	if size < 0 || size > 1 {
		return ExecutionIntent{}, fmt.Errorf("intent size %.4f outside [0,1]", size)
	}
	if confidenceAdj < 0 || confidenceAdj > 1 {
		return ExecutionIntent{}, fmt.Errorf("intent confidence %.4f outside [0,1]", confidenceAdj)
	}
	return ExecutionIntent{
		Side:          side,
		Size:          size,
		ConfidenceAdj: confidenceAdj,
		Cooldown:      cooldown,
		ValidUntil:    now.Add(validFor),
		Created:       now,
	}, nil
}

// Expired reports whether the intent's validity window has passed.
func (i ExecutionIntent) Expired(now time.Time) bool {
	return now.After(i.ValidUntil)
}

// ExecutionAudit records the last execution attempt for a symbol. Unlike the
// rest of the node it survives cycle rewrites, so cooldown lookups can reach
// back past the current cycle.
type ExecutionAudit struct {
	LastSide       Side      `json:"last_side,omitempty"`
	LastSize       float64   `json:"last_size,omitempty"`
	LastConfidence float64   `json:"last_confidence,omitempty"`
	LastPrice      float64   `json:"last_price,omitempty"`
	LastResult     string    `json:"last_result,omitempty"` // "filled" or rejection reason
	LastRegime     string    `json:"last_regime,omitempty"`
	LastFillAt     time.Time `json:"last_fill_at,omitempty"`
}

// InCooldown reports whether a fill happened within the quiet period.
func (a ExecutionAudit) InCooldown(now time.Time, period time.Duration) bool {
	if a.LastFillAt.IsZero() || period <= 0 {
		return false
	}
	return now.Sub(a.LastFillAt) < period
}

// SymbolNode is the per-symbol working-memory record. Everything except Audit
// is rewritten every cycle.
type SymbolNode struct {
	Symbol   string             `json:"symbol"`
	Bars     []Bar              `json:"bars"`
	Features map[string]float64 `json:"features"`
	Pred     *Prediction        `json:"prediction,omitempty"`
	Policy   *PolicyDecision    `json:"policy,omitempty"`
	Intent   *ExecutionIntent   `json:"intent,omitempty"`
	Audit    ExecutionAudit     `json:"audit"`
	Updated  time.Time          `json:"updated"`
}

// AppendBar pushes a bar onto the bounded sliding window.
func (n *SymbolNode) AppendBar(bar Bar, maxWindow int) {
	n.Bars = append(n.Bars, bar)
	if maxWindow > 0 && len(n.Bars) > maxWindow {
		n.Bars = n.Bars[len(n.Bars)-maxWindow:]
	}
}

// LastClose returns the most recent close, or 0 when the window is empty.
func (n *SymbolNode) LastClose() float64 {
	if len(n.Bars) == 0 {
		return 0
	}
	return n.Bars[len(n.Bars)-1].Close
}

// ResetCycle clears the per-cycle fields while keeping bars and the audit.
func (n *SymbolNode) ResetCycle() {
	n.Features = make(map[string]float64)
	n.Pred = nil
	n.Policy = nil
	n.Intent = nil
}

func newNode(symbol string) *SymbolNode {
	return &SymbolNode{
		Symbol:   symbol,
		Bars:     make([]Bar, 0),
		Features: make(map[string]float64),
		Updated:  time.Now().UTC(),
	}
}

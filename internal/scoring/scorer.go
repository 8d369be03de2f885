// Package scoring defines the seam to the external scoring-model collaborator.
// The pipeline treats a Scorer as a pure function from features to a 3-way
// probability distribution.
package scoring

import (
	"math"
	"time"

	"tradepilot/internal/store"
)

// Scorer produces a prediction for one symbol from its feature map.
type Scorer interface {
	Score(symbol string, features map[string]float64) (store.Prediction, error)
}

// MomentumScorer is the built-in deterministic scorer: a logistic squash of
// momentum and RSI displacement. It stands in where no trained model is
// deployed and gives replay a reproducible scoring stage.
type MomentumScorer struct{}

func NewMomentumScorer() *MomentumScorer {
	return &MomentumScorer{}
}

func (m *MomentumScorer) Score(symbol string, features map[string]float64) (store.Prediction, error) {
	momentum := features["momentum_5"]
	rsi := features["rsi_14"]

	// Signed score in roughly [-1, 1]: momentum plus RSI distance from neutral.
	raw := 8*momentum + (rsi-50)/100
	buyLean := 1 / (1 + math.Exp(-3*raw)) // logistic, 0.5 at neutral

	probBuy := buyLean * 0.8
	probSell := (1 - buyLean) * 0.8
	probHold := 1 - probBuy - probSell

	pred := store.Prediction{
		ProbBuy:     probBuy,
		ProbHold:    probHold,
		ProbSell:    probSell,
		GeneratedAt: time.Now().UTC(),
	}

	switch {
	case probBuy >= probHold && probBuy >= probSell:
		pred.Label = "BUY"
		pred.Confidence = probBuy
	case probSell >= probHold && probSell >= probBuy:
		pred.Label = "SELL"
		pred.Confidence = probSell
	default:
		pred.Label = "HOLD"
		pred.Confidence = probHold
	}
	return pred, nil
}

// TableScorer returns fixed predictions per symbol; symbols without an entry
// get a neutral HOLD. Used by tests and deterministic replay fixtures.
type TableScorer struct {
	Table map[string]store.Prediction
}

func NewTableScorer(table map[string]store.Prediction) *TableScorer {
	return &TableScorer{Table: table}
}

func (t *TableScorer) Score(symbol string, features map[string]float64) (store.Prediction, error) {
	if pred, ok := t.Table[symbol]; ok {
		return pred, nil
	}
	return store.Prediction{
		Label:       "HOLD",
		ProbBuy:     0.2,
		ProbHold:    0.6,
		ProbSell:    0.2,
		Confidence:  0.6,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

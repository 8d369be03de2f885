// Package indicators computes the technical features fed to the scoring stage.
package indicators

import (
	"math"

	"tradepilot/internal/store"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average over the last period closes.
func SMA(bars []store.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average.
func EMA(bars []store.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	// Seed with the SMA of the first period
	ema := SMA(bars[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(bars); i++ {
		ema = (bars[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Relative Strength Index.
func RSI(bars []store.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 50.0 // Neutral RSI
	}

	gains := 0.0
	losses := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates the Average True Range.
func ATR(bars []store.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		highLow := bars[i].High - bars[i].Low
		highClose := math.Abs(bars[i].High - bars[i-1].Close)
		lowClose := math.Abs(bars[i].Low - bars[i-1].Close)
		sum += math.Max(highLow, math.Max(highClose, lowClose))
	}
	return sum / float64(period)
}

// Momentum returns the fractional price change over the last period bars.
func Momentum(bars []store.Bar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 0
	}
	prev := bars[len(bars)-1-period].Close
	if prev == 0 {
		return 0
	}
	return bars[len(bars)-1].Close/prev - 1
}

// VolatilityRatio returns short-horizon ATR relative to long-horizon ATR.
// Values above 1 mean the market is moving more than usual.
func VolatilityRatio(bars []store.Bar, shortPeriod, longPeriod int) float64 {
	long := ATR(bars, longPeriod)
	if long == 0 {
		return 1.0
	}
	return ATR(bars, shortPeriod) / long
}

// Compute fills the canonical feature map for a node's bar window.
func Compute(bars []store.Bar) map[string]float64 {
	features := map[string]float64{
		"close":      0,
		"sma_20":     SMA(bars, 20),
		"ema_12":     EMA(bars, 12),
		"ema_26":     EMA(bars, 26),
		"rsi_14":     RSI(bars, 14),
		"atr_14":     ATR(bars, 14),
		"momentum_5": Momentum(bars, 5),
		"vol_ratio":  VolatilityRatio(bars, 5, 20),
	}
	if len(bars) > 0 {
		features["close"] = bars[len(bars)-1].Close
	}
	return features
}

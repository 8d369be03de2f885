// Package outcome maintains the append-only trade-outcome journal and its
// summary statistics.
package outcome

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"tradepilot/config"
	"tradepilot/internal/store"
)

// TradeOutcome is one closed trade. Derived fields (actual_return, pnl) are
// computed at write time and never mutated afterward.
type TradeOutcome struct {
	BotKey          string     `json:"bot_key"`
	TradeID         string     `json:"trade_id"`
	Symbol          string     `json:"symbol"`
	Side            store.Side `json:"side"`
	EntryPrice      float64    `json:"entry_price"`
	ExitPrice       float64    `json:"exit_price"`
	EntryTime       time.Time  `json:"entry_time"`
	ExitTime        time.Time  `json:"exit_time"`
	Qty             float64    `json:"qty"`
	EntryConfidence float64    `json:"entry_confidence"`
	ExpectedReturn  float64    `json:"expected_return"`
	ActualReturn    float64    `json:"actual_return"`
	HoldHours       float64    `json:"hold_hours"`
	ExitReason      string     `json:"exit_reason"`
	RegimeEntry     string     `json:"regime_entry"`
	RegimeExit      string     `json:"regime_exit"`
	PnL             float64    `json:"pnl"`
	PnLPct          float64    `json:"pnl_pct"`
}

// Statistics summarizes a set of outcomes. All fields are zero on empty
// input; Statistics never fails.
type Statistics struct {
	TotalTrades  int            `json:"total_trades"`
	WinRate      float64        `json:"win_rate"`
	AvgReturn    float64        `json:"avg_return"`
	SharpeRatio  float64        `json:"sharpe_ratio"`
	AvgHoldHours float64        `json:"avg_hold_hours"`
	ExitReasons  map[string]int `json:"exit_reasons"`
}

// Mirror receives best-effort copies of appended outcomes (the optional
// Postgres repository implements this).
type Mirror interface {
	MirrorOutcome(o TradeOutcome)
}

// Logger appends outcomes to a line-delimited JSON journal. History is never
// rewritten.
type Logger struct {
	mu     sync.Mutex
	cfg    config.OutcomeConfig
	path   string
	mirror Mirror
	logger zerolog.Logger
}

func NewLogger(cfg config.OutcomeConfig, dataDir string, mirror Mirror, logger zerolog.Logger) *Logger {
	return &Logger{
		cfg:    cfg,
		path:   filepath.Join(dataDir, cfg.LogFile),
		mirror: mirror,
		logger: logger,
	}
}

// Append derives actual_return and pnl from the trade legs (mirroring broker
// math), stamps missing fields and appends one JSON line.
func (l *Logger) Append(o TradeOutcome) (TradeOutcome, error) {
	if o.TradeID == "" {
		o.TradeID = uuid.NewString()
	}
	if o.ExitTime.IsZero() {
		o.ExitTime = time.Now().UTC()
	}
	if o.EntryTime.IsZero() {
		o.EntryTime = o.ExitTime
	}
	o.HoldHours = o.ExitTime.Sub(o.EntryTime).Hours()

	if o.EntryPrice > 0 {
		r := o.ExitPrice/o.EntryPrice - 1
		if o.Side == store.SideSell {
			r = -r
		}
		o.ActualReturn = r
		o.PnLPct = r * 100
	}
	o.PnL = (o.ExitPrice - o.EntryPrice) * o.Qty
	if o.Side == store.SideSell {
		o.PnL = (o.EntryPrice - o.ExitPrice) * o.Qty
	}

	line, err := json.Marshal(o)
	if err != nil {
		return o, fmt.Errorf("marshal outcome: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return o, fmt.Errorf("create outcome dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return o, fmt.Errorf("open outcome journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return o, fmt.Errorf("append outcome: %w", err)
	}

	if l.mirror != nil {
		l.mirror.MirrorOutcome(o)
	}
	return o, nil
}

// LoadRecent returns outcomes filtered by bot key, exit-timestamp cutoff and
// (optionally) regime at entry.
func (l *Logger) LoadRecent(botKey string, days int, regime string) ([]TradeOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open outcome journal: %w", err)
	}
	defer f.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	out := make([]TradeOutcome, 0)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var o TradeOutcome
		if err := json.Unmarshal(scanner.Bytes(), &o); err != nil {
			l.logger.Warn().Err(err).Msg("skipping malformed outcome line")
			continue
		}
		if botKey != "" && o.BotKey != botKey {
			continue
		}
		if days > 0 && o.ExitTime.Before(cutoff) {
			continue
		}
		if regime != "" && o.RegimeEntry != regime {
			continue
		}
		out = append(out, o)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan outcome journal: %w", err)
	}
	return out, nil
}

// Stats computes summary statistics over a set of outcomes.
func (l *Logger) Stats(outcomes []TradeOutcome) Statistics {
	return ComputeStatistics(outcomes, l.cfg.AnnualizeSharpe)
}

// ComputeStatistics summarizes outcomes. Returns the zero value on empty
// input rather than failing.
func ComputeStatistics(outcomes []TradeOutcome, annualize bool) Statistics {
	stats := Statistics{ExitReasons: make(map[string]int)}
	if len(outcomes) == 0 {
		return stats
	}

	returns := make([]float64, 0, len(outcomes))
	wins := 0
	holdHours := 0.0
	for _, o := range outcomes {
		returns = append(returns, o.ActualReturn)
		if o.PnL > 0 {
			wins++
		}
		holdHours += o.HoldHours
		if o.ExitReason != "" {
			stats.ExitReasons[o.ExitReason]++
		}
	}

	stats.TotalTrades = len(outcomes)
	stats.WinRate = float64(wins) / float64(len(outcomes))
	stats.AvgReturn = stat.Mean(returns, nil)
	stats.AvgHoldHours = holdHours / float64(len(outcomes))
	stats.SharpeRatio = SharpeRatio(returns, annualize)
	return stats
}

// SharpeRatio is mean return over return standard deviation, optionally
// annualized by sqrt(252). Zero when undefined.
func SharpeRatio(returns []float64, annualize bool) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	stdev := stat.StdDev(returns, nil)
	if stdev == 0 {
		return 0
	}
	sharpe := mean / stdev
	if annualize {
		sharpe *= math.Sqrt(252)
	}
	return sharpe
}

// Package broker implements the paper broker ledger: simulated fills,
// cash/position tracking and realized P&L. The ledger is the exclusive owner
// of cash, positions and the fill journal.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/config"
	"tradepilot/internal/store"
)

// Order rejection reasons. Rejections are terminal for the order this cycle
// and are never auto-retried.
var (
	ErrNoPrice          = errors.New("broker: no reference price")
	ErrLimitNotReached  = errors.New("broker: limit price not reached")
	ErrInsufficientCash = errors.New("broker: insufficient cash")
	ErrNoPosition       = errors.New("broker: no position to sell")
	ErrBadOrder         = errors.New("broker: malformed order")
)

// ErrPersist reports that a fill stood in memory but the ledger document
// could not be rewritten after bounded retries. SubmitOrder returns it
// alongside the fill.
var ErrPersist = errors.New("broker: ledger persist failed")

// Position is one held lot with its quantity-weighted average cost.
type Position struct {
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// Fill is one executed order. Exactly one fill is appended per successful
// submission; none on rejection.
type Fill struct {
	Timestamp   time.Time  `json:"timestamp"`
	Symbol      string     `json:"symbol"`
	Side        store.Side `json:"side"`
	Qty         float64    `json:"qty"`
	Price       float64    `json:"price"`
	RealizedPnL float64    `json:"realized_pnl"`
}

type ledgerDoc struct {
	Cash      float64             `json:"cash"`
	Positions map[string]Position `json:"positions"`
	Fills     []Fill              `json:"fills"`
}

// Ledger simulates a cash account with long-only positions. Invariants: cash
// and every position quantity stay >= 0; a SELL never removes more than held.
type Ledger struct {
	mu     sync.Mutex
	doc    ledgerDoc
	cfg    config.BrokerConfig
	path   string
	logger zerolog.Logger

	writeRetries int
	writeBackoff time.Duration
}

// New creates a ledger persisted under dataDir. An empty dataDir keeps the
// ledger memory-only (replay uses this).
func New(cfg config.BrokerConfig, storeCfg config.StoreConfig, dataDir string, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		doc: ledgerDoc{
			Cash:      cfg.InitialCash,
			Positions: make(map[string]Position),
			Fills:     make([]Fill, 0),
		},
		cfg:          cfg,
		logger:       logger,
		writeRetries: storeCfg.WriteRetries,
		writeBackoff: storeCfg.WriteBackoff,
	}
	if dataDir != "" {
		l.path = filepath.Join(dataDir, cfg.LedgerFile)
	}
	return l
}

// Load hydrates the ledger from disk if a document exists. Missing or corrupt
// documents keep the configured initial state, with the anomaly logged.
func (l *Ledger) Load() {
	if l.path == "" {
		return
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("path", l.path).Msg("ledger unreadable, starting fresh")
		}
		return
	}

	var doc ledgerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("ledger corrupt, starting fresh")
		return
	}
	if doc.Positions == nil {
		doc.Positions = make(map[string]Position)
	}
	if doc.Fills == nil {
		doc.Fills = make([]Fill, 0)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc = doc
}

// SubmitOrder simulates one order against the reference price. On success
// exactly one fill is recorded and the ledger is persisted atomically; on
// rejection nothing is written and the fill is nil. A non-nil fill with
// ErrPersist means the fill stands in memory but the snapshot missed disk.
func (l *Ledger) SubmitOrder(symbol string, side store.Side, qty float64, limitPrice *float64, refPrice float64) (*Fill, error) {
	if symbol == "" || qty <= 0 {
		return nil, fmt.Errorf("%w: symbol=%q qty=%.4f", ErrBadOrder, symbol, qty)
	}
	if refPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	// Limit orders fill only when the reference price is favorable.
	if limitPrice != nil {
		if side == store.SideBuy && refPrice > *limitPrice {
			return nil, fmt.Errorf("%w: %s ref %.4f > limit %.4f", ErrLimitNotReached, symbol, refPrice, *limitPrice)
		}
		if side == store.SideSell && refPrice < *limitPrice {
			return nil, fmt.Errorf("%w: %s ref %.4f < limit %.4f", ErrLimitNotReached, symbol, refPrice, *limitPrice)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var fill Fill
	switch side {
	case store.SideBuy:
		cost := refPrice * qty
		if cost > l.doc.Cash {
			return nil, fmt.Errorf("%w: %s need %.2f have %.2f", ErrInsufficientCash, symbol, cost, l.doc.Cash)
		}

		pos := l.doc.Positions[symbol]
		newQty := pos.Qty + qty
		pos.AvgPrice = (pos.AvgPrice*pos.Qty + refPrice*qty) / newQty
		pos.Qty = newQty
		l.doc.Positions[symbol] = pos
		l.doc.Cash -= cost

		fill = Fill{
			Timestamp: time.Now().UTC(),
			Symbol:    symbol,
			Side:      store.SideBuy,
			Qty:       qty,
			Price:     refPrice,
		}

	case store.SideSell:
		pos, ok := l.doc.Positions[symbol]
		if !ok || pos.Qty <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
		}

		// Clamp to the held amount; a SELL can never go short.
		filledQty := math.Min(qty, pos.Qty)
		realized := (refPrice - pos.AvgPrice) * filledQty
		l.doc.Cash += refPrice * filledQty

		pos.Qty -= filledQty
		if pos.Qty <= 1e-9 {
			delete(l.doc.Positions, symbol)
		} else {
			l.doc.Positions[symbol] = pos
		}

		fill = Fill{
			Timestamp:   time.Now().UTC(),
			Symbol:      symbol,
			Side:        store.SideSell,
			Qty:         filledQty,
			Price:       refPrice,
			RealizedPnL: realized,
		}

	default:
		return nil, fmt.Errorf("%w: side %q", ErrBadOrder, side)
	}

	l.doc.Fills = append(l.doc.Fills, fill)

	if err := l.persistLocked(); err != nil {
		// The in-memory fill stands; persistence failure is scoped to this
		// one artifact and surfaced as ErrPersist next to the fill.
		l.logger.Error().Err(err).Str("symbol", symbol).Msg("ledger persist failed after fill")
		return &fill, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	return &fill, nil
}

func (l *Ledger) persistLocked() error {
	if l.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return store.AtomicWriteRetry(l.path, raw, 0644, l.writeRetries, l.writeBackoff)
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Cash
}

// Position returns the held position for symbol, if any.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.doc.Positions[symbol]
	return pos, ok
}

// Positions returns a copy of all held positions.
func (l *Ledger) Positions() map[string]Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Position, len(l.doc.Positions))
	for sym, pos := range l.doc.Positions {
		out[sym] = pos
	}
	return out
}

// Fills returns a copy of the append-only fill journal.
func (l *Ledger) Fills() []Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Fill, len(l.doc.Fills))
	copy(out, l.doc.Fills)
	return out
}

// RealizedPnL sums realized P&L across the fill journal.
func (l *Ledger) RealizedPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, fill := range l.doc.Fills {
		total += fill.RealizedPnL
	}
	return total
}

// RealizedPnLSince sums realized P&L for fills at or after t.
func (l *Ledger) RealizedPnLSince(t time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, fill := range l.doc.Fills {
		if !fill.Timestamp.Before(t) {
			total += fill.RealizedPnL
		}
	}
	return total
}

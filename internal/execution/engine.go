// Package execution converts policy intents into paper broker orders, with
// position-aware and cooldown guards and a deterministic per-cycle ranking.
package execution

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/config"
	"tradepilot/internal/broker"
	"tradepilot/internal/events"
	"tradepilot/internal/outcome"
	"tradepilot/internal/quotes"
	"tradepilot/internal/risk"
	"tradepilot/internal/store"
)

// OrderState is the per-symbol per-cycle execution state machine.
type OrderState string

const (
	StateFlat      OrderState = "FLAT"
	StateEligible  OrderState = "ELIGIBLE"
	StateSubmitted OrderState = "SUBMITTED"
	StateFilled    OrderState = "FILLED"
	StateRejected  OrderState = "REJECTED"
)

// Record is the outcome of one symbol's pass through the executor this cycle.
type Record struct {
	Symbol string       `json:"symbol"`
	State  OrderState   `json:"state"`
	Side   store.Side   `json:"side,omitempty"`
	Qty    float64      `json:"qty,omitempty"`
	Price  float64      `json:"price,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Fill   *broker.Fill `json:"fill,omitempty"`
}

// RankedSignal is the observable artifact for one ranked execution candidate.
type RankedSignal struct {
	Rank       int        `json:"rank"`
	Symbol     string     `json:"symbol"`
	Side       store.Side `json:"side"`
	Size       float64    `json:"size"`
	Confidence float64    `json:"confidence"`
}

// CycleResult aggregates one execution pass.
type CycleResult struct {
	Records []Record       `json:"records"`
	Ranked  []RankedSignal `json:"ranked_signals"`
	Fills   int            `json:"fills"`
}

type candidate struct {
	symbol string
	node   *store.SymbolNode
	intent store.ExecutionIntent
	score  float64
}

// OutcomeSink receives one record per closed trade. The outcome journal
// implements this; nil disables recording.
type OutcomeSink interface {
	Append(o outcome.TradeOutcome) (outcome.TradeOutcome, error)
}

// Engine executes eligible intents against the paper broker.
type Engine struct {
	cfg       config.ExecutionConfig
	brokerCfg config.BrokerConfig
	ledger    *broker.Ledger
	prices    quotes.Provider
	guard     *risk.Guard
	outcomes  OutcomeSink
	botKey    string
	bus       *events.Bus
	logger    zerolog.Logger
}

func NewEngine(cfg config.ExecutionConfig, brokerCfg config.BrokerConfig, ledger *broker.Ledger, prices quotes.Provider, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		brokerCfg: brokerCfg,
		ledger:    ledger,
		prices:    prices,
		logger:    logger,
	}
}

// SetRiskGuard wires the account-level entry guard. Nil disables guarding.
func (e *Engine) SetRiskGuard(guard *risk.Guard) {
	e.guard = guard
}

// SetOutcomeSink wires the trade-outcome journal. Every closing SELL fill
// appends one record tagged with botKey.
func (e *Engine) SetOutcomeSink(sink OutcomeSink, botKey string) {
	e.outcomes = sink
	e.botKey = botKey
}

// SetBus wires the event bus for fill and rejection events. Nil disables
// publishing.
func (e *Engine) SetBus(bus *events.Bus) {
	e.bus = bus
}

// ExecuteCycle selects, ranks and submits this cycle's eligible intents.
// Candidates are processed in a fully deterministic order: descending
// confidence score, ties broken by symbol identifier.
func (e *Engine) ExecuteCycle(ctx context.Context, st *store.Store, now time.Time) CycleResult {
	result := CycleResult{
		Records: make([]Record, 0),
		Ranked:  make([]RankedSignal, 0),
	}

	candidates := make([]candidate, 0)
	for _, symbol := range sortedSymbols(st) {
		node, ok := st.Node(symbol)
		if !ok || node.Intent == nil {
			continue
		}

		if reason, ok := e.eligible(node, now); !ok {
			result.Records = append(result.Records, Record{
				Symbol: symbol,
				State:  StateFlat,
				Reason: reason,
			})
			continue
		}

		candidates = append(candidates, candidate{
			symbol: symbol,
			node:   node,
			intent: *node.Intent,
			score:  math.Abs(node.Intent.ConfidenceAdj),
		})
	}

	// Deterministic ranking: score desc, then symbol asc.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	if e.cfg.MaxTradesPerCycle > 0 && len(candidates) > e.cfg.MaxTradesPerCycle {
		for _, dropped := range candidates[e.cfg.MaxTradesPerCycle:] {
			result.Records = append(result.Records, Record{
				Symbol: dropped.symbol,
				State:  StateEligible,
				Side:   dropped.intent.Side,
				Reason: "capped by max trades per cycle",
			})
		}
		candidates = candidates[:e.cfg.MaxTradesPerCycle]
	}

	for rank, c := range candidates {
		result.Ranked = append(result.Ranked, RankedSignal{
			Rank:       rank + 1,
			Symbol:     c.symbol,
			Side:       c.intent.Side,
			Size:       c.intent.Size,
			Confidence: c.intent.ConfidenceAdj,
		})

		record := e.submit(ctx, c, now)
		result.Records = append(result.Records, record)
		if record.State == StateFilled {
			result.Fills++
		}
	}

	return result
}

// eligible applies the candidate-selection guards. All must hold.
func (e *Engine) eligible(node *store.SymbolNode, now time.Time) (string, bool) {
	if node.Policy == nil || !node.Policy.TradeGate {
		return "policy gate closed", false
	}
	if node.Policy.Action == store.ActionStandDown {
		return "policy stand-down", false
	}

	intent := node.Intent
	if intent.Side == store.SideFlat {
		return "flat intent", false
	}
	if intent.ConfidenceAdj < e.cfg.MinConfidenceAdj {
		return "confidence below threshold", false
	}
	if intent.Expired(now) {
		return "intent expired", false
	}
	if intent.Cooldown {
		return "cooldown flagged", false
	}
	if node.Audit.InCooldown(now, e.cfg.CooldownPeriod) {
		return "cooldown active", false
	}

	// Position-aware eligibility.
	pos, held := e.ledger.Position(node.Symbol)
	if intent.Side == store.SideBuy && held && pos.Qty > 0 && !e.cfg.AllowAdd {
		return "already long", false
	}
	if intent.Side == store.SideSell && (!held || pos.Qty <= 0) {
		return "no position to sell", false
	}

	return "", true
}

// submit sizes and submits one ranked candidate, then writes the execution
// audit back to the node for future cooldown computation.
func (e *Engine) submit(ctx context.Context, c candidate, now time.Time) Record {
	record := Record{
		Symbol: c.symbol,
		State:  StateSubmitted,
		Side:   c.intent.Side,
	}

	if c.intent.Side == store.SideBuy {
		open := len(e.ledger.Positions())
		dayStart := now.UTC().Truncate(24 * time.Hour)
		realized := e.ledger.RealizedPnLSince(dayStart)
		if ok, reason := e.guard.AllowEntry(now, open, realized, e.brokerCfg.InitialCash); !ok {
			record.State = StateRejected
			record.Reason = reason
			e.writeAudit(c.node, c.intent, 0, reason, now, false)
			if e.bus != nil {
				e.bus.PublishRejection(c.symbol, string(c.intent.Side), reason)
			}
			return record
		}
	}

	price, err := e.prices.LastPrice(ctx, c.symbol)
	if err != nil {
		record.State = StateRejected
		record.Reason = "no reference price"
		e.writeAudit(c.node, c.intent, 0, record.Reason, now, false)
		if e.bus != nil {
			e.bus.PublishRejection(c.symbol, string(c.intent.Side), record.Reason)
		}
		return record
	}
	record.Price = price

	qty, reason := e.sizeOrder(c.symbol, c.intent, price)
	if reason != "" {
		record.State = StateRejected
		record.Reason = reason
		e.writeAudit(c.node, c.intent, price, reason, now, false)
		if e.bus != nil {
			e.bus.PublishRejection(c.symbol, string(c.intent.Side), reason)
		}
		return record
	}
	record.Qty = qty

	// The pre-sell position carries the entry leg of the closing trade.
	var entry broker.Position
	if c.intent.Side == store.SideSell {
		entry, _ = e.ledger.Position(c.symbol)
	}

	fill, err := e.ledger.SubmitOrder(c.symbol, c.intent.Side, qty, nil, price)
	if err != nil && fill == nil {
		record.State = StateRejected
		record.Reason = rejectionReason(err)
		e.writeAudit(c.node, c.intent, price, record.Reason, now, false)
		e.logger.Debug().Err(err).Str("symbol", c.symbol).Msg("order rejected")
		if e.bus != nil {
			e.bus.PublishRejection(c.symbol, string(c.intent.Side), record.Reason)
		}
		return record
	}
	if err != nil {
		// The fill stands; only the ledger snapshot missed the disk.
		e.logger.Error().Err(err).Str("symbol", c.symbol).Msg("ledger persist failed after fill")
		if e.bus != nil {
			e.bus.PublishError("execution", "ledger persist failed after fill", err)
		}
	}

	record.State = StateFilled
	record.Fill = fill
	record.Qty = fill.Qty
	if c.intent.Side == store.SideSell {
		e.recordOutcome(c, entry, fill, now)
	}
	e.writeAudit(c.node, c.intent, fill.Price, "filled", now, true)
	if e.bus != nil {
		e.bus.PublishFill(c.symbol, string(fill.Side), fill.Qty, fill.Price, fill.RealizedPnL)
	}
	e.logger.Info().
		Str("symbol", c.symbol).
		Str("side", string(fill.Side)).
		Float64("qty", fill.Qty).
		Float64("price", fill.Price).
		Float64("realized_pnl", fill.RealizedPnL).
		Msg("order filled")
	return record
}

// recordOutcome appends the closed-trade record for a SELL fill. Entry-leg
// fields come from the pre-sell position and the node's audit, which still
// hold the opening fill at this point. A journal failure degrades
// observability only, never the fill.
func (e *Engine) recordOutcome(c candidate, entry broker.Position, fill *broker.Fill, now time.Time) {
	if e.outcomes == nil {
		return
	}

	o := outcome.TradeOutcome{
		BotKey:          e.botKey,
		Symbol:          c.symbol,
		Side:            store.SideBuy,
		EntryPrice:      entry.AvgPrice,
		ExitPrice:       fill.Price,
		EntryTime:       c.node.Audit.LastFillAt,
		ExitTime:        now,
		Qty:             fill.Qty,
		EntryConfidence: c.node.Audit.LastConfidence,
		ExitReason:      "policy sell",
		RegimeEntry:     c.node.Audit.LastRegime,
	}
	if c.node.Policy != nil {
		o.RegimeExit = c.node.Policy.Regime
	}

	if _, err := e.outcomes.Append(o); err != nil {
		e.logger.Warn().Err(err).Str("symbol", c.symbol).Msg("outcome journal append failed")
	}
}

// sizeOrder computes the order quantity from the intent's size fraction.
func (e *Engine) sizeOrder(symbol string, intent store.ExecutionIntent, price float64) (float64, string) {
	switch intent.Side {
	case store.SideBuy:
		qty := (e.ledger.Cash() * intent.Size) / price
		if e.brokerCfg.WholeUnitsOnly {
			qty = math.Floor(qty)
		}
		if qty < e.cfg.MinQuantity || qty <= 0 {
			return 0, "below minimum quantity"
		}
		return qty, ""

	case store.SideSell:
		pos, ok := e.ledger.Position(symbol)
		if !ok || pos.Qty <= 0 {
			return 0, "no position to sell"
		}
		// Full exit by default; proportional exits scale by the intent size.
		qty := pos.Qty
		if e.cfg.ProportionalExits {
			qty = pos.Qty * intent.Size
		}
		if qty <= 0 {
			return 0, "below minimum quantity"
		}
		return qty, ""

	default:
		return 0, "unsupported side"
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, broker.ErrNoPrice):
		return "no reference price"
	case errors.Is(err, broker.ErrInsufficientCash):
		return "insufficient cash"
	case errors.Is(err, broker.ErrLimitNotReached):
		return "limit price unreached"
	case errors.Is(err, broker.ErrNoPosition):
		return "no position to sell"
	default:
		return err.Error()
	}
}

func (e *Engine) writeAudit(node *store.SymbolNode, intent store.ExecutionIntent, price float64, result string, now time.Time, filled bool) {
	node.Audit.LastSide = intent.Side
	node.Audit.LastSize = intent.Size
	node.Audit.LastConfidence = intent.ConfidenceAdj
	node.Audit.LastPrice = price
	node.Audit.LastResult = result
	if filled {
		node.Audit.LastFillAt = now
		if node.Policy != nil {
			node.Audit.LastRegime = node.Policy.Regime
		}
	}
}

func sortedSymbols(st *store.Store) []string {
	symbols := st.Symbols()
	sort.Strings(symbols)
	return symbols
}

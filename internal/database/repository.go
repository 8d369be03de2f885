package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/internal/outcome"
	"tradepilot/internal/store"
	"tradepilot/internal/tuning"
)

// Repository mirrors outcome and tuning records into PostgreSQL. It satisfies
// outcome.Mirror and tuning.DecisionMirror; inserts run with a short timeout
// and failures are logged, never propagated.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// MirrorOutcome inserts one trade outcome row.
func (r *Repository) MirrorOutcome(o outcome.TradeOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO trade_outcomes (
			bot_key, trade_id, symbol, side, entry_price, exit_price,
			entry_time, exit_time, qty, entry_confidence, actual_return,
			hold_hours, exit_reason, regime_entry, regime_exit, pnl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (trade_id) DO NOTHING`

	_, err := r.db.Pool.Exec(ctx, query,
		o.BotKey, o.TradeID, o.Symbol, string(o.Side), o.EntryPrice, o.ExitPrice,
		o.EntryTime, o.ExitTime, o.Qty, o.EntryConfidence, o.ActualReturn,
		o.HoldHours, o.ExitReason, o.RegimeEntry, o.RegimeExit, o.PnL,
	)
	if err != nil {
		r.logger.Warn().Err(err).Str("trade_id", o.TradeID).Msg("outcome mirror insert failed")
	}
}

// MirrorDecision inserts one tuning decision row.
func (r *Repository) MirrorDecision(d tuning.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO tuning_decisions (
			decided_at, bot_key, regime, parameter, old_value, new_value,
			sharpe_old, sharpe_new, improvement_pct, ci_low, ci_high,
			trades_analyzed, applied, reason, rolled_back_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.Pool.Exec(ctx, query,
		d.Timestamp, d.BotKey, d.Regime, d.Parameter, d.OldValue, d.NewValue,
		d.SharpeOld, d.SharpeNew, d.ImprovementPct, d.ConfidenceInterval.Low,
		d.ConfidenceInterval.High, d.TradesAnalyzed, d.Applied, d.Reason, d.RolledBackAt,
	)
	if err != nil {
		r.logger.Warn().Err(err).Str("parameter", d.Parameter).Msg("decision mirror insert failed")
	}
}

// RecentOutcomes reads back mirrored outcomes for a bot, newest first.
func (r *Repository) RecentOutcomes(ctx context.Context, botKey string, limit int) ([]outcome.TradeOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT bot_key, trade_id, symbol, side, entry_price, exit_price,
			entry_time, exit_time, qty, entry_confidence, actual_return,
			hold_hours, exit_reason, regime_entry, regime_exit, pnl
		FROM trade_outcomes
		WHERE bot_key = $1
		ORDER BY exit_time DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, botKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]outcome.TradeOutcome, 0, limit)
	for rows.Next() {
		var o outcome.TradeOutcome
		var side string
		if err := rows.Scan(
			&o.BotKey, &o.TradeID, &o.Symbol, &side, &o.EntryPrice, &o.ExitPrice,
			&o.EntryTime, &o.ExitTime, &o.Qty, &o.EntryConfidence, &o.ActualReturn,
			&o.HoldHours, &o.ExitReason, &o.RegimeEntry, &o.RegimeExit, &o.PnL,
		); err != nil {
			return nil, err
		}
		o.Side = store.Side(side)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Package database is the optional PostgreSQL mirror for outcome and tuning
// records. Files remain the source of truth; every mirror write is
// best-effort and never blocks the trading path.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB connects to PostgreSQL via a pooled connection
func NewDB(url string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_outcomes (
			id SERIAL PRIMARY KEY,
			bot_key VARCHAR(64) NOT NULL,
			trade_id VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			qty DECIMAL(20, 8) NOT NULL,
			entry_confidence DECIMAL(10, 6),
			actual_return DECIMAL(12, 8),
			hold_hours DECIMAL(10, 2),
			exit_reason VARCHAR(64),
			regime_entry VARCHAR(20),
			regime_exit VARCHAR(20),
			pnl DECIMAL(20, 8),
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_outcomes_bot_regime
			ON trade_outcomes(bot_key, regime_entry, exit_time DESC)`,

		`CREATE TABLE IF NOT EXISTS tuning_decisions (
			id SERIAL PRIMARY KEY,
			decided_at TIMESTAMPTZ NOT NULL,
			bot_key VARCHAR(64) NOT NULL,
			regime VARCHAR(20) NOT NULL,
			parameter VARCHAR(40) NOT NULL,
			old_value DECIMAL(12, 6) NOT NULL,
			new_value DECIMAL(12, 6) NOT NULL,
			sharpe_old DECIMAL(12, 6),
			sharpe_new DECIMAL(12, 6),
			improvement_pct DECIMAL(12, 4),
			ci_low DECIMAL(12, 8),
			ci_high DECIMAL(12, 8),
			trades_analyzed INT NOT NULL,
			applied BOOLEAN NOT NULL,
			reason TEXT,
			rolled_back_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tuning_decisions_bot_regime
			ON tuning_decisions(bot_key, regime, decided_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

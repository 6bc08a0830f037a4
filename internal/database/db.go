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

// Config holds database configuration
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
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

// RunMigrations executes database migrations. Every statement is idempotent
// so the daemon can run them unconditionally at startup.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Closed bars, append-only. Duplicate inserts are tolerated.
		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR(20) NOT NULL,
			tf VARCHAR(10) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			o DECIMAL(20, 8) NOT NULL,
			h DECIMAL(20, 8) NOT NULL,
			l DECIMAL(20, 8) NOT NULL,
			c DECIMAL(20, 8) NOT NULL,
			v DECIMAL(30, 8) NOT NULL,
			PRIMARY KEY (symbol, tf, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_ts ON candles(symbol, tf, ts DESC)`,

		// Indicator rows, recomputable from candles at will.
		`CREATE TABLE IF NOT EXISTS features (
			symbol VARCHAR(20) NOT NULL,
			tf VARCHAR(10) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			ema20 DOUBLE PRECISION,
			ema50 DOUBLE PRECISION,
			ema200 DOUBLE PRECISION,
			hma55 DOUBLE PRECISION,
			rsi14 DOUBLE PRECISION,
			stochrsi DOUBLE PRECISION,
			roc10 DOUBLE PRECISION,
			atr14 DOUBLE PRECISION,
			bb_u DOUBLE PRECISION,
			bb_mid DOUBLE PRECISION,
			bb_l DOUBLE PRECISION,
			donch_u DOUBLE PRECISION,
			donch_l DOUBLE PRECISION,
			obv DOUBLE PRECISION,
			cmf20 DOUBLE PRECISION,
			adx14 DOUBLE PRECISION,
			rvol20 DOUBLE PRECISION,
			vwap DOUBLE PRECISION,
			avwap DOUBLE PRECISION,
			PRIMARY KEY (symbol, tf, ts),
			FOREIGN KEY (symbol, tf, ts) REFERENCES candles(symbol, tf, ts) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS sentiment (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			sent_24h DOUBLE PRECISION NOT NULL,
			sent_7d DOUBLE PRECISION NOT NULL,
			sent_trend DOUBLE PRECISION NOT NULL,
			burst DOUBLE PRECISION NOT NULL,
			summary TEXT,
			sources JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sentiment_symbol_ts ON sentiment(symbol, ts DESC)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			qty DECIMAL(20, 8) NOT NULL,
			entry_ts TIMESTAMPTZ NOT NULL,
			entry_px DECIMAL(20, 8) NOT NULL,
			entry_fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			entry_slippage_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_ts TIMESTAMPTZ,
			exit_px DECIMAL(20, 8),
			exit_fees DECIMAL(20, 8),
			exit_slippage_bps DOUBLE PRECISION,
			pnl DECIMAL(20, 8),
			reason VARCHAR(30),
			decision_id VARCHAR(40),
			rationale JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_open ON trades(symbol) WHERE exit_ts IS NULL`,
		`ALTER TABLE trades ADD COLUMN IF NOT EXISTS decision_id VARCHAR(40)`,
		`ALTER TABLE trades ADD COLUMN IF NOT EXISTS rationale JSONB`,

		// At most one open position per symbol, enforced by the primary key.
		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(20) PRIMARY KEY,
			side VARCHAR(5) NOT NULL,
			qty DECIMAL(20, 8) NOT NULL,
			avg_price DECIMAL(20, 8) NOT NULL,
			stop DECIMAL(20, 8),
			trade_id BIGINT REFERENCES trades(id),
			opened_ts TIMESTAMPTZ NOT NULL,
			last_update_ts TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS nav (
			ts TIMESTAMPTZ PRIMARY KEY,
			nav_usd DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8) NOT NULL,
			dd_pct DOUBLE PRECISION NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS event_log (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			level VARCHAR(10) NOT NULL,
			tags TEXT[] NOT NULL,
			symbol VARCHAR(20),
			tf VARCHAR(10),
			action VARCHAR(40),
			decision_id VARCHAR(40),
			trade_id BIGINT,
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_decision ON event_log(decision_id)`,

		`CREATE TABLE IF NOT EXISTS config (
			key VARCHAR(50) PRIMARY KEY,
			value JSONB NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

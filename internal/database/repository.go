package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// CANDLES
// ============================================================================

// SaveCandles inserts a batch of closed bars. Bars already present are left
// untouched, so re-ingesting an overlapping window is safe.
func (r *Repository) SaveCandles(ctx context.Context, candles []Candle) (int, error) {
	inserted := 0
	for _, c := range candles {
		tag, err := r.db.Pool.Exec(ctx, `
			INSERT INTO candles (symbol, tf, ts, o, h, l, c, v)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, tf, ts) DO NOTHING`,
			c.Symbol, c.Timeframe, c.TS, c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to save candle %s/%s@%s: %w", c.Symbol, c.Timeframe, c.TS, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetCandles returns the most recent bars in ascending time order.
func (r *Repository) GetCandles(ctx context.Context, symbol, tf string, limit int) ([]Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, tf, ts, o, h, l, c, v
		FROM (
			SELECT symbol, tf, ts, o, h, l, c, v
			FROM candles
			WHERE symbol = $1 AND tf = $2
			ORDER BY ts DESC
			LIMIT $3
		) recent
		ORDER BY ts ASC`,
		symbol, tf, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		var c Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.TS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// GetLatestCandle returns the newest bar for a symbol, or nil if none exist.
func (r *Repository) GetLatestCandle(ctx context.Context, symbol, tf string) (*Candle, error) {
	var c Candle
	err := r.db.Pool.QueryRow(ctx, `
		SELECT symbol, tf, ts, o, h, l, c, v
		FROM candles
		WHERE symbol = $1 AND tf = $2
		ORDER BY ts DESC
		LIMIT 1`,
		symbol, tf,
	).Scan(&c.Symbol, &c.Timeframe, &c.TS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ============================================================================
// FEATURES
// ============================================================================

// SaveFeatures upserts indicator rows. Rows are recomputable, so overwriting
// is always correct.
func (r *Repository) SaveFeatures(ctx context.Context, features []FeatureRow) error {
	for _, f := range features {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO features (
				symbol, tf, ts, ema20, ema50, ema200, hma55, rsi14, stochrsi, roc10,
				atr14, bb_u, bb_mid, bb_l, donch_u, donch_l, obv, cmf20, adx14, rvol20, vwap, avwap
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			ON CONFLICT (symbol, tf, ts) DO UPDATE SET
				ema20 = $4, ema50 = $5, ema200 = $6, hma55 = $7, rsi14 = $8, stochrsi = $9,
				roc10 = $10, atr14 = $11, bb_u = $12, bb_mid = $13, bb_l = $14, donch_u = $15,
				donch_l = $16, obv = $17, cmf20 = $18, adx14 = $19, rvol20 = $20, vwap = $21, avwap = $22`,
			f.Symbol, f.Timeframe, f.TS, f.EMA20, f.EMA50, f.EMA200, f.HMA55, f.RSI14, f.StochRSI, f.ROC10,
			f.ATR14, f.BBUpper, f.BBMid, f.BBLower, f.DonchU, f.DonchL, f.OBV, f.CMF20, f.ADX14, f.RVOL20, f.VWAP, f.AVWAP,
		)
		if err != nil {
			return fmt.Errorf("failed to save features %s/%s@%s: %w", f.Symbol, f.Timeframe, f.TS, err)
		}
	}
	return nil
}

// ============================================================================
// NAV
// ============================================================================

// SaveNAV appends one snapshot.
func (r *Repository) SaveNAV(ctx context.Context, snap NAVSnapshot) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO nav (ts, nav_usd, realized_pnl, unrealized_pnl, dd_pct)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ts) DO NOTHING`,
		snap.TS, snap.NavUSD, snap.RealizedPnL, snap.UnrealizedPnL, snap.DrawdownPct,
	)
	return err
}

// GetLatestNAV returns the newest snapshot, or nil if none exist yet.
func (r *Repository) GetLatestNAV(ctx context.Context) (*NAVSnapshot, error) {
	var snap NAVSnapshot
	err := r.db.Pool.QueryRow(ctx, `
		SELECT ts, nav_usd, realized_pnl, unrealized_pnl, dd_pct
		FROM nav ORDER BY ts DESC LIMIT 1`,
	).Scan(&snap.TS, &snap.NavUSD, &snap.RealizedPnL, &snap.UnrealizedPnL, &snap.DrawdownPct)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// GetTotalRealizedPnL sums the pnl of all closed trades.
func (r *Repository) GetTotalRealizedPnL(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE pnl IS NOT NULL`,
	).Scan(&total)
	return total, err
}

// ============================================================================
// CONFIG KEY-VALUE
// ============================================================================

// SetConfigValue stores a JSON value under a key.
func (r *Repository) SetConfigValue(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal config value: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2`,
		key, data,
	)
	return err
}

// GetConfigValue loads a JSON value into dest. Returns false when the key is
// absent.
func (r *Repository) GetConfigValue(ctx context.Context, key string, dest interface{}) (bool, error) {
	var data []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

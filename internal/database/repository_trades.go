package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// TRADES + POSITIONS
//
// A fill touches both tables. Both writes run in one transaction so the
// ledger and the position table can never disagree.
// ============================================================================

// OpenFill is everything the broker persists when a trade is opened.
type OpenFill struct {
	Symbol      string
	Side        string
	Qty         float64
	FillPrice   float64
	Fees        float64
	SlippageBps float64
	Stop        float64
	TS          time.Time
	DecisionID  string
	Rationale   json.RawMessage
}

// CloseFill is everything the broker persists when a trade is closed.
type CloseFill struct {
	TradeID     int64
	Symbol      string
	FillPrice   float64
	Fees        float64
	SlippageBps float64
	PnL         float64
	Reason      string
	TS          time.Time
}

// OpenTradeTx atomically creates the trade row and its position row. The
// position primary key rejects a second open position for the symbol, which
// backs the validator's check with a hard constraint.
func (r *Repository) OpenTradeTx(ctx context.Context, fill OpenFill) (int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin open-trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var tradeID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO trades (symbol, side, qty, entry_ts, entry_px, entry_fees, entry_slippage_bps, decision_id, rationale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		fill.Symbol, fill.Side, fill.Qty, fill.TS, fill.FillPrice, fill.Fees,
		fill.SlippageBps, fill.DecisionID, fill.Rationale,
	).Scan(&tradeID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (symbol, side, qty, avg_price, stop, trade_id, opened_ts, last_update_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		fill.Symbol, fill.Side, fill.Qty, fill.FillPrice, fill.Stop, tradeID, fill.TS,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit open-trade tx: %w", err)
	}
	return tradeID, nil
}

// CloseTradeTx atomically writes the exit leg and deletes the position row.
func (r *Repository) CloseTradeTx(ctx context.Context, fill CloseFill) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin close-trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET exit_ts = $2, exit_px = $3, exit_fees = $4, exit_slippage_bps = $5, pnl = $6, reason = $7
		WHERE id = $1 AND exit_ts IS NULL`,
		fill.TradeID, fill.TS, fill.FillPrice, fill.Fees, fill.SlippageBps, fill.PnL, fill.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade %d: %w", fill.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d is not open", fill.TradeID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, fill.Symbol); err != nil {
		return fmt.Errorf("failed to delete position %s: %w", fill.Symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit close-trade tx: %w", err)
	}
	return nil
}

// GetPosition returns the open position for a symbol, or nil.
func (r *Repository) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var p Position
	err := r.db.Pool.QueryRow(ctx, `
		SELECT symbol, side, qty, avg_price, COALESCE(stop, 0), COALESCE(trade_id, 0), opened_ts, last_update_ts
		FROM positions WHERE symbol = $1`,
		symbol,
	).Scan(&p.Symbol, &p.Side, &p.Qty, &p.AvgPrice, &p.Stop, &p.TradeID, &p.OpenedTS, &p.LastUpdateTS)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetPositions returns all open positions.
func (r *Repository) GetPositions(ctx context.Context) ([]Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, side, qty, avg_price, COALESCE(stop, 0), COALESCE(trade_id, 0), opened_ts, last_update_ts
		FROM positions ORDER BY symbol`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Qty, &p.AvgPrice, &p.Stop, &p.TradeID, &p.OpenedTS, &p.LastUpdateTS); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePositionStop moves the stop on an open position (trailing updates).
func (r *Repository) UpdatePositionStop(ctx context.Context, symbol string, stop float64, ts time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET stop = $2, last_update_ts = $3 WHERE symbol = $1`,
		symbol, stop, ts,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no open position for %s", symbol)
	}
	return nil
}

// GetOpenTrade returns the open trade for a symbol, or nil.
func (r *Repository) GetOpenTrade(ctx context.Context, symbol string) (*Trade, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, symbol, side, qty, entry_ts, entry_px, entry_fees, entry_slippage_bps,
		       exit_ts, exit_px, exit_fees, exit_slippage_bps, pnl, reason, COALESCE(decision_id, ''), rationale
		FROM trades
		WHERE symbol = $1 AND exit_ts IS NULL
		ORDER BY entry_ts DESC LIMIT 1`,
		symbol,
	)
	t, err := scanTrade(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// GetOpenTrades returns every trade without an exit leg.
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, side, qty, entry_ts, entry_px, entry_fees, entry_slippage_bps,
		       exit_ts, exit_px, exit_fees, exit_slippage_bps, pnl, reason, COALESCE(decision_id, ''), rationale
		FROM trades
		WHERE exit_ts IS NULL
		ORDER BY entry_ts DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	t := &Trade{}
	err := row.Scan(
		&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.EntryTS, &t.EntryPx, &t.EntryFees, &t.EntrySlippageBps,
		&t.ExitTS, &t.ExitPx, &t.ExitFees, &t.ExitSlippageBps, &t.PnL, &t.Reason, &t.DecisionID, &t.Rationale,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CountOpenMismatch reports symbols where the positions table and the set of
// open trades disagree. A non-empty result is an invariant violation.
func (r *Repository) CountOpenMismatch(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT COALESCE(p.symbol, t.symbol)
		FROM positions p
		FULL OUTER JOIN (
			SELECT symbol FROM trades WHERE exit_ts IS NULL
		) t ON p.symbol = t.symbol
		WHERE p.symbol IS NULL OR t.symbol IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

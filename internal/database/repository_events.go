package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// ============================================================================
// EVENT LOG
// ============================================================================

// AppendEvent writes one audit record. The serial id preserves arrival order
// even when two events share a timestamp.
func (r *Repository) AppendEvent(ctx context.Context, e EventLogEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO event_log (ts, level, tags, symbol, tf, action, decision_id, trade_id, payload)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		e.TS, e.Level, e.Tags, e.Symbol, e.Timeframe, e.Action, e.DecisionID, e.TradeID, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns recent events, newest first, optionally filtered by level
// and tag.
func (r *Repository) GetEvents(ctx context.Context, limit int, level, tag string) ([]EventLogEntry, error) {
	query := `
		SELECT id, ts, level, tags, COALESCE(symbol, ''), COALESCE(tf, ''), COALESCE(action, ''),
		       COALESCE(decision_id, ''), trade_id, payload
		FROM event_log WHERE 1=1`
	args := []any{}
	idx := 1

	if level != "" {
		query += fmt.Sprintf(" AND level = $%d", idx)
		args = append(args, level)
		idx++
	}
	if tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(tags)", idx)
		args = append(args, tag)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Tags, &e.Symbol, &e.Timeframe,
			&e.Action, &e.DecisionID, &e.TradeID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEventsByDecision returns every event of one decision in causal order.
func (r *Repository) GetEventsByDecision(ctx context.Context, decisionID string) ([]EventLogEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, ts, level, tags, COALESCE(symbol, ''), COALESCE(tf, ''), COALESCE(action, ''),
		       COALESCE(decision_id, ''), trade_id, payload
		FROM event_log
		WHERE decision_id = $1
		ORDER BY id ASC`,
		decisionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Tags, &e.Symbol, &e.Timeframe,
			&e.Action, &e.DecisionID, &e.TradeID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ============================================================================
// SENTIMENT
// ============================================================================

// SaveSentiment persists one snapshot.
func (r *Repository) SaveSentiment(ctx context.Context, s SentimentRow) error {
	sources, err := json.Marshal(s.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sentiment sources: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO sentiment (symbol, ts, sent_24h, sent_7d, sent_trend, burst, summary, sources)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.Symbol, s.TS, s.Sent24h, s.Sent7d, s.SentTrend, s.Burst, s.Summary, sources,
	)
	return err
}

// GetLatestSentiment returns the newest snapshot for a symbol, or nil.
func (r *Repository) GetLatestSentiment(ctx context.Context, symbol string) (*SentimentRow, error) {
	var s SentimentRow
	var sources []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, symbol, ts, sent_24h, sent_7d, sent_trend, burst, COALESCE(summary, ''), sources
		FROM sentiment WHERE symbol = $1 ORDER BY ts DESC LIMIT 1`,
		symbol,
	).Scan(&s.ID, &s.Symbol, &s.TS, &s.Sent24h, &s.Sent7d, &s.SentTrend, &s.Burst, &s.Summary, &sources)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &s.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sentiment sources: %w", err)
		}
	}
	return &s, nil
}

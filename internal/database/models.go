package database

import (
	"encoding/json"
	"time"
)

// Candle is one closed OHLCV bar, immutable once written.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"tf"`
	TS        time.Time `json:"ts"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// FeatureRow carries the computed indicators for one candle. NaN values are
// stored as NULL; a feature row never exists without its candle.
type FeatureRow struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"tf"`
	TS        time.Time `json:"ts"`
	EMA20     *float64  `json:"ema20"`
	EMA50     *float64  `json:"ema50"`
	EMA200    *float64  `json:"ema200"`
	HMA55     *float64  `json:"hma55"`
	RSI14     *float64  `json:"rsi14"`
	StochRSI  *float64  `json:"stochrsi"`
	ROC10     *float64  `json:"roc10"`
	ATR14     *float64  `json:"atr14"`
	BBUpper   *float64  `json:"bb_u"`
	BBMid     *float64  `json:"bb_mid"`
	BBLower   *float64  `json:"bb_l"`
	DonchU    *float64  `json:"donch_u"`
	DonchL    *float64  `json:"donch_l"`
	OBV       *float64  `json:"obv"`
	CMF20     *float64  `json:"cmf20"`
	ADX14     *float64  `json:"adx14"`
	RVOL20    *float64  `json:"rvol20"`
	VWAP      *float64  `json:"vwap"`
	AVWAP     *float64  `json:"avwap"`
}

// SentimentRow is one persisted sentiment snapshot.
type SentimentRow struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	TS        time.Time `json:"ts"`
	Sent24h   float64   `json:"sent_24h"`
	Sent7d    float64   `json:"sent_7d"`
	SentTrend float64   `json:"sent_trend"`
	Burst     float64   `json:"burst"`
	Summary   string    `json:"summary"`
	Sources   []string  `json:"sources"`
}

// Position is the single open position for a symbol.
type Position struct {
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // "long" or "short"
	Qty          float64   `json:"qty"`
	AvgPrice     float64   `json:"avg_price"`
	Stop         float64   `json:"stop"`
	TradeID      int64     `json:"trade_id"`
	OpenedTS     time.Time `json:"opened_ts"`
	LastUpdateTS time.Time `json:"last_update_ts"`
}

// Trade is one leg-pair in the ledger. ExitTS unset means the trade is open.
type Trade struct {
	ID               int64           `json:"id"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Qty              float64         `json:"qty"`
	EntryTS          time.Time       `json:"entry_ts"`
	EntryPx          float64         `json:"entry_px"`
	EntryFees        float64         `json:"entry_fees"`
	EntrySlippageBps float64         `json:"entry_slippage_bps"`
	ExitTS           *time.Time      `json:"exit_ts"`
	ExitPx           *float64        `json:"exit_px"`
	ExitFees         *float64        `json:"exit_fees"`
	ExitSlippageBps  *float64        `json:"exit_slippage_bps"`
	PnL              *float64        `json:"pnl"`
	Reason           *string         `json:"reason"`
	DecisionID       string          `json:"decision_id"`
	Rationale        json.RawMessage `json:"rationale"`
}

// IsOpen reports whether the trade has no exit leg yet.
func (t *Trade) IsOpen() bool {
	return t.ExitTS == nil
}

// NAVSnapshot is one derived net-asset-value row.
type NAVSnapshot struct {
	TS            time.Time `json:"ts"`
	NavUSD        float64   `json:"nav_usd"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	DrawdownPct   float64   `json:"dd_pct"`
}

// EventLogEntry is one append-only audit record.
type EventLogEntry struct {
	ID         int64           `json:"id"`
	TS         time.Time       `json:"ts"`
	Level      string          `json:"level"`
	Tags       []string        `json:"tags"`
	Symbol     string          `json:"symbol,omitempty"`
	Timeframe  string          `json:"tf,omitempty"`
	Action     string          `json:"action,omitempty"`
	DecisionID string          `json:"decision_id,omitempty"`
	TradeID    *int64          `json:"trade_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

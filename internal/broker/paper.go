package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/signal"
)

// Store is the persistence surface the broker needs. All writes for a single
// fill land in one transaction on the other side of this interface.
type Store interface {
	OpenTradeTx(ctx context.Context, fill database.OpenFill) (int64, error)
	CloseTradeTx(ctx context.Context, fill database.CloseFill) error
	GetOpenTrade(ctx context.Context, symbol string) (*database.Trade, error)
	GetPosition(ctx context.Context, symbol string) (*database.Position, error)
	UpdatePositionStop(ctx context.Context, symbol string, stop float64, ts time.Time) error
}

// Config holds the fill model parameters.
type Config struct {
	FeeBps      float64 // per leg, on notional
	MinSlipBps  float64
	SlipPerHLPct float64 // bps of slippage per percent of bar range
}

// DefaultConfig returns the standing fee and slippage model.
func DefaultConfig() Config {
	return Config{
		FeeBps:       2,
		MinSlipBps:   3,
		SlipPerHLPct: 15,
	}
}

// Broker simulates marketable-order execution against closed bars and owns
// the trade/position ledger.
type Broker struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// New creates a paper broker.
func New(store Store, cfg Config, logger zerolog.Logger) *Broker {
	return &Broker{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "broker").Logger(),
	}
}

// Fill is the result of simulating one leg.
type Fill struct {
	Price       float64 `json:"price"`
	Fees        float64 `json:"fees"`
	SlippageBps float64 `json:"slippage_bps"`
}

// SlippageBps models slippage as a function of the reference bar's range:
// wider bars fill worse, with a floor.
func (b *Broker) SlippageBps(ref, high, low float64) float64 {
	if ref <= 0 {
		return b.cfg.MinSlipBps
	}
	hlPct := (high - low) / ref * 100
	return math.Max(b.cfg.MinSlipBps, b.cfg.SlipPerHLPct*hlPct)
}

// simulate fills one leg. isBuy moves the fill against the buyer.
func (b *Broker) simulate(ref, high, low, qty float64, isBuy bool) Fill {
	slipBps := b.SlippageBps(ref, high, low)
	slip := ref * slipBps / 10000
	price := ref - slip
	if isBuy {
		price = ref + slip
	}
	return Fill{
		Price:       price,
		Fees:        price * qty * b.cfg.FeeBps / 10000,
		SlippageBps: slipBps,
	}
}

// OpenTrade simulates the entry fill and atomically creates the trade and
// position rows.
func (b *Broker) OpenTrade(ctx context.Context, symbol string, side signal.Side, qty, ref, high, low, stop float64,
	ts time.Time, decisionID string, rationale json.RawMessage) (int64, Fill, error) {

	if qty <= 0 {
		return 0, Fill{}, fmt.Errorf("quantity must be positive, got %.8f", qty)
	}

	fill := b.simulate(ref, high, low, qty, side == signal.SideLong)

	tradeID, err := b.store.OpenTradeTx(ctx, database.OpenFill{
		Symbol:      symbol,
		Side:        string(side),
		Qty:         qty,
		FillPrice:   fill.Price,
		Fees:        fill.Fees,
		SlippageBps: fill.SlippageBps,
		Stop:        stop,
		TS:          ts,
		DecisionID:  decisionID,
		Rationale:   rationale,
	})
	if err != nil {
		return 0, Fill{}, fmt.Errorf("failed to open trade for %s: %w", symbol, err)
	}

	b.logger.Info().
		Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", qty).Float64("fill", fill.Price).Float64("fees", fill.Fees).
		Int64("trade_id", tradeID).
		Msg("trade opened")

	return tradeID, fill, nil
}

// CloseResult is the outcome of closing a trade.
type CloseResult struct {
	Fill Fill
	PnL  float64 // realized, net of both legs' fees
}

// CloseTrade simulates the exit fill, writes the exit leg, and deletes the
// position row atomically. Realized P&L charges the fees of both legs.
func (b *Broker) CloseTrade(ctx context.Context, trade *database.Trade, ref, high, low float64,
	reason string, ts time.Time) (CloseResult, error) {

	side := signal.Side(trade.Side)
	fill := b.simulate(ref, high, low, trade.Qty, side == signal.SideShort)

	pnl := (fill.Price-trade.EntryPx)*trade.Qty*side.Sign() - trade.EntryFees - fill.Fees

	err := b.store.CloseTradeTx(ctx, database.CloseFill{
		TradeID:     trade.ID,
		Symbol:      trade.Symbol,
		FillPrice:   fill.Price,
		Fees:        fill.Fees,
		SlippageBps: fill.SlippageBps,
		PnL:         pnl,
		Reason:      reason,
		TS:          ts,
	})
	if err != nil {
		return CloseResult{}, fmt.Errorf("failed to close trade %d: %w", trade.ID, err)
	}

	b.logger.Info().
		Str("symbol", trade.Symbol).Str("reason", reason).
		Float64("fill", fill.Price).Float64("pnl", pnl).
		Int64("trade_id", trade.ID).
		Msg("trade closed")

	return CloseResult{Fill: fill, PnL: pnl}, nil
}

// UpdateStop moves the trailing stop on an open position.
func (b *Broker) UpdateStop(ctx context.Context, symbol string, stop float64, ts time.Time) error {
	return b.store.UpdatePositionStop(ctx, symbol, stop, ts)
}

// MarkToMarket returns the unrealized P&L of a position against the last
// close. Pure read; entry fees stay out until the trade closes.
func MarkToMarket(pos *database.Position, lastClose float64) float64 {
	return (lastClose - pos.AvgPrice) * pos.Qty * signal.Side(pos.Side).Sign()
}

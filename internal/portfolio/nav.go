package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/broker"
	"paper-trading-daemon/internal/database"
)

const (
	keyInitialNAV = "initial_nav"
	keyPeakNAV    = "peak_nav"
)

// Store is the persistence surface NAV accounting needs.
type Store interface {
	GetTotalRealizedPnL(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]database.Position, error)
	SaveNAV(ctx context.Context, snap database.NAVSnapshot) error
	GetLatestNAV(ctx context.Context) (*database.NAVSnapshot, error)
	GetConfigValue(ctx context.Context, key string, dest interface{}) (bool, error)
	SetConfigValue(ctx context.Context, key string, value interface{}) error
}

// Accountant derives NAV snapshots from the trade ledger and live positions.
// Snapshots are never edited after the fact; each one is recomputed from
// starting cash, realized P&L, and the current mark.
type Accountant struct {
	store        Store
	startingCash float64
	logger       zerolog.Logger
}

// NewAccountant creates a NAV accountant.
func NewAccountant(store Store, startingCash float64, logger zerolog.Logger) *Accountant {
	return &Accountant{
		store:        store,
		startingCash: startingCash,
		logger:       logger.With().Str("component", "portfolio").Logger(),
	}
}

// Init seeds the initial NAV and peak on first boot. Re-running is a no-op,
// and a previously stored starting cash wins over the configured one so a
// restart cannot silently re-base the ledger.
func (a *Accountant) Init(ctx context.Context) error {
	var stored float64
	found, err := a.store.GetConfigValue(ctx, keyInitialNAV, &stored)
	if err != nil {
		return fmt.Errorf("failed to read initial nav: %w", err)
	}
	if found {
		a.startingCash = stored
		return nil
	}

	if err := a.store.SetConfigValue(ctx, keyInitialNAV, a.startingCash); err != nil {
		return fmt.Errorf("failed to store initial nav: %w", err)
	}
	if err := a.store.SetConfigValue(ctx, keyPeakNAV, a.startingCash); err != nil {
		return fmt.Errorf("failed to store peak nav: %w", err)
	}
	if err := a.store.SaveNAV(ctx, database.NAVSnapshot{
		TS:     time.Now().UTC(),
		NavUSD: a.startingCash,
	}); err != nil {
		return fmt.Errorf("failed to save initial nav snapshot: %w", err)
	}
	a.logger.Info().Float64("nav", a.startingCash).Msg("initialized NAV")
	return nil
}

// StartingCash returns the base the ledger accrues on.
func (a *Accountant) StartingCash() float64 {
	return a.startingCash
}

// CurrentNAV computes NAV without persisting a snapshot.
func (a *Accountant) CurrentNAV(ctx context.Context, lastClose map[string]float64) (float64, error) {
	realized, err := a.store.GetTotalRealizedPnL(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	positions, err := a.store.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load positions: %w", err)
	}
	nav, _ := Compute(a.startingCash, realized, positions, lastClose)
	return nav, nil
}

// Snapshot computes and persists one NAV row. lastClose maps each symbol with
// an open position to its latest close; symbols missing from the map are
// marked at their entry price.
func (a *Accountant) Snapshot(ctx context.Context, ts time.Time, lastClose map[string]float64) (database.NAVSnapshot, error) {
	realized, err := a.store.GetTotalRealizedPnL(ctx)
	if err != nil {
		return database.NAVSnapshot{}, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	positions, err := a.store.GetPositions(ctx)
	if err != nil {
		return database.NAVSnapshot{}, fmt.Errorf("failed to load positions: %w", err)
	}

	nav, unrealized := Compute(a.startingCash, realized, positions, lastClose)

	peak := a.startingCash
	if _, err := a.store.GetConfigValue(ctx, keyPeakNAV, &peak); err != nil {
		return database.NAVSnapshot{}, fmt.Errorf("failed to read peak nav: %w", err)
	}
	if nav > peak {
		peak = nav
		if err := a.store.SetConfigValue(ctx, keyPeakNAV, peak); err != nil {
			return database.NAVSnapshot{}, fmt.Errorf("failed to store peak nav: %w", err)
		}
	}

	ddPct := 0.0
	if peak > 0 {
		ddPct = (peak - nav) / peak
	}

	snap := database.NAVSnapshot{
		TS:            ts,
		NavUSD:        nav,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		DrawdownPct:   ddPct,
	}
	if err := a.store.SaveNAV(ctx, snap); err != nil {
		return database.NAVSnapshot{}, fmt.Errorf("failed to save nav snapshot: %w", err)
	}

	a.logger.Info().
		Float64("nav", nav).Float64("realized", realized).
		Float64("unrealized", unrealized).Float64("dd_pct", ddPct).
		Msg("NAV snapshot")
	return snap, nil
}

// Compute derives NAV and unrealized P&L. Deterministic given its inputs.
func Compute(startingCash, realized float64, positions []database.Position, lastClose map[string]float64) (nav, unrealized float64) {
	for i := range positions {
		mark, ok := lastClose[positions[i].Symbol]
		if !ok {
			mark = positions[i].AvgPrice
		}
		unrealized += broker.MarkToMarket(&positions[i], mark)
	}
	return startingCash + realized + unrealized, unrealized
}

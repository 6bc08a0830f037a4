package bot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/ai/llm"
	"paper-trading-daemon/internal/broker"
	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/events"
	"paper-trading-daemon/internal/exchange"
	"paper-trading-daemon/internal/portfolio"
	"paper-trading-daemon/internal/risk"
	"paper-trading-daemon/internal/signal"
)

// Exchange is the market-data surface the daemon consumes.
type Exchange interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error)
	FetchOHLCVSince(ctx context.Context, symbol, timeframe string, since time.Time) ([]exchange.Candle, error)
}

// Store is the persistence surface the pipeline reads and writes outside the
// broker's fill transactions.
type Store interface {
	SaveCandles(ctx context.Context, candles []database.Candle) (int, error)
	GetCandles(ctx context.Context, symbol, tf string, limit int) ([]database.Candle, error)
	GetLatestCandle(ctx context.Context, symbol, tf string) (*database.Candle, error)
	SaveFeatures(ctx context.Context, features []database.FeatureRow) error
	GetPosition(ctx context.Context, symbol string) (*database.Position, error)
	GetPositions(ctx context.Context) ([]database.Position, error)
	GetOpenTrade(ctx context.Context, symbol string) (*database.Trade, error)
	CountOpenMismatch(ctx context.Context) ([]string, error)
}

// Advisor proposes; nil means LLM trading is disabled and the deterministic
// signal executes directly.
type Advisor interface {
	Propose(ctx context.Context, pctx llm.ProposalContext) (*llm.Proposal, error)
}

// Consultant reviews proposals.
type Consultant interface {
	Review(ctx context.Context, proposal *llm.Proposal, mctx llm.MarketContext) (*llm.Review, bool)
}

// SentimentSource serves the cached twice-daily sentiment snapshot.
type SentimentSource interface {
	Get(ctx context.Context, symbol string, now time.Time) *database.SentimentRow
}

// Config holds orchestrator settings.
type Config struct {
	Symbols       []string
	Timeframe     string
	TimeframeDur  time.Duration
	CycleInterval time.Duration
	FetchLimit    int
	RiskPerTrade  float64
	MaxExposure   float64
}

// CycleSummary is what one RunOnce reports back.
type CycleSummary struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	DataErrors       int           `json:"data_errors"`
	SignalsFired     int           `json:"signals_fired"`
	TradesOpened     int           `json:"trades_opened"`
	TradesClosed     int           `json:"trades_closed"`
	ValidatorRejects int           `json:"validator_rejects"`
	Timeouts         int           `json:"timeouts"`
}

// Daemon drives the fixed-interval decision cycle. One instance per process;
// all dependencies are explicit.
type Daemon struct {
	cfg        Config
	exchange   Exchange
	store      Store
	broker     *broker.Broker
	accountant *portfolio.Accountant
	engine     *signal.Engine
	validator  *risk.Validator
	killSwitch *risk.KillSwitch
	cooldown   *risk.Cooldown
	advisor    Advisor
	consultant Consultant
	sentiment  SentimentSource
	recorder   *events.Recorder
	logger     zerolog.Logger

	mu          sync.Mutex
	paused      map[string]bool // symbols paused after an invariant violation
	lastSummary CycleSummary
}

// Deps bundles the daemon's collaborators.
type Deps struct {
	Exchange   Exchange
	Store      Store
	Broker     *broker.Broker
	Accountant *portfolio.Accountant
	Engine     *signal.Engine
	Validator  *risk.Validator
	KillSwitch *risk.KillSwitch
	Cooldown   *risk.Cooldown
	Advisor    Advisor
	Consultant Consultant
	Sentiment  SentimentSource
	Recorder   *events.Recorder
	Logger     zerolog.Logger
}

// New creates the daemon.
func New(cfg Config, deps Deps) *Daemon {
	return &Daemon{
		cfg:        cfg,
		exchange:   deps.Exchange,
		store:      deps.Store,
		broker:     deps.Broker,
		accountant: deps.Accountant,
		engine:     deps.Engine,
		validator:  deps.Validator,
		killSwitch: deps.KillSwitch,
		cooldown:   deps.Cooldown,
		advisor:    deps.Advisor,
		consultant: deps.Consultant,
		sentiment:  deps.Sentiment,
		recorder:   deps.Recorder,
		logger:     deps.Logger.With().Str("component", "daemon").Logger(),
		paused:     make(map[string]bool),
	}
}

// WarmUp loads enough history for every symbol that the first cycle can
// compute a full feature set.
func (d *Daemon) WarmUp(ctx context.Context) error {
	for _, symbol := range d.cfg.Symbols {
		candles, err := d.exchange.FetchOHLCV(ctx, symbol, d.cfg.Timeframe, d.cfg.FetchLimit)
		if err != nil {
			d.logger.Warn().Err(err).Str("symbol", symbol).Msg("warm-up fetch failed")
			continue
		}
		inserted, err := d.store.SaveCandles(ctx, toDBCandles(symbol, d.cfg.Timeframe, candles))
		if err != nil {
			return err
		}
		d.logger.Info().Str("symbol", symbol).Int("bars", inserted).Msg("warm-up data loaded")
	}
	return nil
}

// RunForever executes cycles on a fixed schedule until the context is
// cancelled. A cycle never overruns into the next slot: its deadline is the
// cycle interval, and there is no catch-up for missed slots.
func (d *Daemon) RunForever(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.cfg.CycleInterval).Strs("symbols", d.cfg.Symbols).Msg("daemon started")

	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()

	d.RunOnce(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("daemon stopping")
			return ctx.Err()
		case tick := <-ticker.C:
			d.RunOnce(ctx, tick.UTC())
		}
	}
}

// RunOnce executes a single cycle across the symbol universe. Per-symbol
// pipelines run concurrently (they touch disjoint natural keys); NAV
// aggregation is serialized after all of them finish.
func (d *Daemon) RunOnce(ctx context.Context, now time.Time) CycleSummary {
	started := time.Now()
	summary := &CycleSummary{StartedAt: now}

	cycleCtx, cancel := context.WithTimeout(ctx, d.cfg.CycleInterval)
	defer cancel()

	var wg sync.WaitGroup
	for _, symbol := range d.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			decisionID := uuid.NewString()
			d.processSymbol(cycleCtx, symbol, decisionID, now, summary)
		}(symbol)
	}
	wg.Wait()

	d.checkInvariants(now)
	d.snapshotNAV(now)

	d.mu.Lock()
	summary.Duration = time.Since(started)
	d.lastSummary = *summary
	d.mu.Unlock()

	d.logger.Info().
		Int("signals", summary.SignalsFired).
		Int("opened", summary.TradesOpened).
		Int("closed", summary.TradesClosed).
		Int("rejects", summary.ValidatorRejects).
		Int("data_errors", summary.DataErrors).
		Dur("took", summary.Duration).
		Msg("cycle complete")
	return *summary
}

// snapshotNAV marks open positions to the last close and persists one NAV
// row. It runs on its own context so a cycle that hit its deadline still
// produces a snapshot.
func (d *Daemon) snapshotNAV(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	positions, err := d.store.GetPositions(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to load positions for NAV")
		return
	}
	lastClose := make(map[string]float64, len(positions))
	for _, pos := range positions {
		candle, err := d.store.GetLatestCandle(ctx, pos.Symbol, d.cfg.Timeframe)
		if err != nil || candle == nil {
			continue
		}
		lastClose[pos.Symbol] = candle.Close
	}

	if _, err := d.accountant.Snapshot(ctx, now, lastClose); err != nil {
		d.logger.Error().Err(err).Msg("failed to persist NAV snapshot")
	}
}

// checkInvariants cross-checks the position table against open trades. A
// mismatch flattens the symbol and pauses trading on it until an operator
// reset.
func (d *Daemon) checkInvariants(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mismatched, err := d.store.CountOpenMismatch(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("invariant check failed")
		return
	}
	for _, symbol := range mismatched {
		d.recorder.Emit(ctx, events.Event{
			Level:  "ERROR",
			Tags:   []events.Tag{events.TagError},
			Symbol: symbol,
			Action: events.ActionInvariant,
			Payload: map[string]any{
				"detail": "position table and open trades disagree, pausing symbol",
			},
		})
		d.flattenDefensively(ctx, symbol, now)
		d.mu.Lock()
		d.paused[symbol] = true
		d.mu.Unlock()
	}
}

// flattenDefensively closes whatever half-state exists for a symbol.
func (d *Daemon) flattenDefensively(ctx context.Context, symbol string, now time.Time) {
	trade, err := d.store.GetOpenTrade(ctx, symbol)
	if err != nil || trade == nil {
		return
	}
	candle, err := d.store.GetLatestCandle(ctx, symbol, d.cfg.Timeframe)
	if err != nil || candle == nil {
		return
	}
	if _, err := d.broker.CloseTrade(ctx, trade, candle.Close, candle.High, candle.Low, signal.ExitReasonKill, now); err != nil {
		d.logger.Error().Err(err).Str("symbol", symbol).Msg("defensive flatten failed")
	}
}

// ResumeSymbol clears the invariant pause (operator action).
func (d *Daemon) ResumeSymbol(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.paused, symbol)
}

func (d *Daemon) isPaused(symbol string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[symbol]
}

// Status is the snapshot any front-end renders.
type Status struct {
	NAV           *database.NAVSnapshot `json:"nav"`
	Positions     []database.Position   `json:"positions"`
	LastCycle     CycleSummary          `json:"last_cycle"`
	PausedSymbols []string              `json:"paused_symbols"`
}

// Status reports the daemon's current state.
func (d *Daemon) Status(ctx context.Context, navStore portfolio.Store) (*Status, error) {
	nav, err := navStore.GetLatestNAV(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := d.store.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	last := d.lastSummary
	var paused []string
	for symbol := range d.paused {
		paused = append(paused, symbol)
	}
	d.mu.Unlock()

	return &Status{
		NAV:          nav,
		Positions:    positions,
		LastCycle:    last,
		PausedSymbols: paused,
	}, nil
}

func toDBCandles(symbol, tf string, candles []exchange.Candle) []database.Candle {
	out := make([]database.Candle, len(candles))
	for i, c := range candles {
		out[i] = database.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			TS:        c.TS,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}
	return out
}

package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trading-daemon/internal/ai/llm"
	"paper-trading-daemon/internal/broker"
	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/events"
	"paper-trading-daemon/internal/exchange"
	"paper-trading-daemon/internal/portfolio"
	"paper-trading-daemon/internal/risk"
	"paper-trading-daemon/internal/signal"
)

// ============================================================================
// in-memory fakes
// ============================================================================

type fakeExchange struct {
	mu   sync.Mutex
	bars map[string][]exchange.Candle
	err  error
}

func (f *fakeExchange) FetchOHLCV(_ context.Context, symbol, _ string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	bars := f.bars[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (f *fakeExchange) FetchOHLCVSince(_ context.Context, symbol, _ string, since time.Time) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.Candle
	for _, c := range f.bars[symbol] {
		if !c.TS.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

// memStore backs every persistence interface the daemon touches.
type memStore struct {
	mu        sync.Mutex
	candles   map[string][]database.Candle // key symbol/tf, ascending
	features  int
	nextID    int64
	trades    map[int64]*database.Trade
	positions map[string]*database.Position
	navs      []database.NAVSnapshot
	events    []database.EventLogEntry
	sentiment []database.SentimentRow
	realized  float64
	kv        map[string]float64
}

func newMemStore() *memStore {
	return &memStore{
		candles:   make(map[string][]database.Candle),
		nextID:    1,
		trades:    make(map[int64]*database.Trade),
		positions: make(map[string]*database.Position),
		kv:        make(map[string]float64),
	}
}

func (m *memStore) key(symbol, tf string) string { return symbol + "/" + tf }

func (m *memStore) SaveCandles(_ context.Context, candles []database.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, c := range candles {
		k := m.key(c.Symbol, c.Timeframe)
		dup := false
		for _, existing := range m.candles[k] {
			if existing.TS.Equal(c.TS) {
				dup = true
				break
			}
		}
		if !dup {
			m.candles[k] = append(m.candles[k], c)
			inserted++
		}
	}
	sortable := m.candles[m.key(candles[0].Symbol, candles[0].Timeframe)]
	sort.Slice(sortable, func(i, j int) bool { return sortable[i].TS.Before(sortable[j].TS) })
	return inserted, nil
}

func (m *memStore) GetCandles(_ context.Context, symbol, tf string, limit int) ([]database.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.candles[m.key(symbol, tf)]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]database.Candle, len(all))
	copy(out, all)
	return out, nil
}

func (m *memStore) GetLatestCandle(_ context.Context, symbol, tf string) (*database.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.candles[m.key(symbol, tf)]
	if len(all) == 0 {
		return nil, nil
	}
	c := all[len(all)-1]
	return &c, nil
}

func (m *memStore) SaveFeatures(_ context.Context, features []database.FeatureRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features += len(features)
	return nil
}

func (m *memStore) GetPosition(_ context.Context, symbol string) (*database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	copied := *pos
	return &copied, nil
}

func (m *memStore) GetPositions(context.Context) ([]database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Position
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (m *memStore) GetOpenTrade(_ context.Context, symbol string) (*database.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.Symbol == symbol && t.ExitTS == nil {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountOpenMismatch(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mismatched []string
	openTrades := make(map[string]bool)
	for _, t := range m.trades {
		if t.ExitTS == nil {
			openTrades[t.Symbol] = true
		}
	}
	for symbol := range m.positions {
		if !openTrades[symbol] {
			mismatched = append(mismatched, symbol)
		}
	}
	for symbol := range openTrades {
		if _, ok := m.positions[symbol]; !ok {
			mismatched = append(mismatched, symbol)
		}
	}
	return mismatched, nil
}

func (m *memStore) OpenTradeTx(_ context.Context, fill database.OpenFill) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[fill.Symbol]; exists {
		return 0, fmt.Errorf("position already open for %s", fill.Symbol)
	}
	id := m.nextID
	m.nextID++
	m.trades[id] = &database.Trade{
		ID: id, Symbol: fill.Symbol, Side: fill.Side, Qty: fill.Qty,
		EntryTS: fill.TS, EntryPx: fill.FillPrice, EntryFees: fill.Fees,
		EntrySlippageBps: fill.SlippageBps, DecisionID: fill.DecisionID, Rationale: fill.Rationale,
	}
	m.positions[fill.Symbol] = &database.Position{
		Symbol: fill.Symbol, Side: fill.Side, Qty: fill.Qty, AvgPrice: fill.FillPrice,
		Stop: fill.Stop, TradeID: id, OpenedTS: fill.TS, LastUpdateTS: fill.TS,
	}
	return id, nil
}

func (m *memStore) CloseTradeTx(_ context.Context, fill database.CloseFill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[fill.TradeID]
	if !ok || trade.ExitTS != nil {
		return fmt.Errorf("trade %d is not open", fill.TradeID)
	}
	ts := fill.TS
	pnl := fill.PnL
	reason := fill.Reason
	trade.ExitTS = &ts
	trade.ExitPx = &fill.FillPrice
	trade.ExitFees = &fill.Fees
	trade.ExitSlippageBps = &fill.SlippageBps
	trade.PnL = &pnl
	trade.Reason = &reason
	m.realized += pnl
	delete(m.positions, fill.Symbol)
	return nil
}

func (m *memStore) UpdatePositionStop(_ context.Context, symbol string, stop float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	pos.Stop = stop
	pos.LastUpdateTS = ts
	return nil
}

func (m *memStore) GetTotalRealizedPnL(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized, nil
}

func (m *memStore) SaveNAV(_ context.Context, snap database.NAVSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.navs = append(m.navs, snap)
	return nil
}

func (m *memStore) GetLatestNAV(context.Context) (*database.NAVSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.navs) == 0 {
		return nil, nil
	}
	snap := m.navs[len(m.navs)-1]
	return &snap, nil
}

func (m *memStore) GetConfigValue(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return false, nil
	}
	if p, isFloat := dest.(*float64); isFloat {
		*p = v
	}
	return true, nil
}

func (m *memStore) SetConfigValue(_ context.Context, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, isFloat := value.(float64); isFloat {
		m.kv[key] = v
	}
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, e database.EventLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) SaveSentiment(_ context.Context, s database.SentimentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentiment = append(m.sentiment, s)
	return nil
}

func (m *memStore) GetLatestSentiment(_ context.Context, symbol string) (*database.SentimentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sentiment) - 1; i >= 0; i-- {
		if m.sentiment[i].Symbol == symbol {
			row := m.sentiment[i]
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memStore) eventsWithAction(action string) []database.EventLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.EventLogEntry
	for _, e := range m.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) eventsWithTag(tag string) []database.EventLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.EventLogEntry
	for _, e := range m.events {
		for _, t := range e.Tags {
			if t == tag {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

type fakeAdvisor struct {
	proposal *llm.Proposal
	err      error
}

func (f *fakeAdvisor) Propose(context.Context, llm.ProposalContext) (*llm.Proposal, error) {
	return f.proposal, f.err
}

type fakeConsultant struct {
	review *llm.Review
	auto   bool
}

func (f *fakeConsultant) Review(context.Context, *llm.Proposal, llm.MarketContext) (*llm.Review, bool) {
	return f.review, f.auto
}

type fakeSentiment struct{ row *database.SentimentRow }

func (f *fakeSentiment) Get(context.Context, string, time.Time) *database.SentimentRow {
	return f.row
}

// ============================================================================
// bar generators
// ============================================================================

// trendingBars produces a steady uptrend whose final bar is a Donchian
// breakout on a volume spike, everything the long entry rules require.
func trendingBars(n int, end time.Time) []exchange.Candle {
	bars := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		base := 100 + 0.1*float64(i)
		bars[i] = exchange.Candle{
			TS:     end.Add(-time.Duration(n-i) * 5 * time.Minute),
			Open:   base,
			High:   base + 0.10,
			Low:    base - 0.02,
			Close:  base + 0.08,
			Volume: 100,
		}
	}
	bars[n-1].Volume = 500
	return bars
}

// flatBars produces a calm sideways market that fires no signals. Closes
// wobble slightly so realized volatility is small but nonzero.
func flatBars(n int, end time.Time) []exchange.Candle {
	bars := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		close := 100.03
		if i%2 == 0 {
			close = 100.07
		}
		bars[i] = exchange.Candle{
			TS:     end.Add(-time.Duration(n-i) * 5 * time.Minute),
			Open:   100,
			High:   100.2,
			Low:    99.8,
			Close:  close,
			Volume: 100,
		}
	}
	return bars
}

// ============================================================================
// harness
// ============================================================================

type harness struct {
	daemon   *Daemon
	store    *memStore
	exchange *fakeExchange
	now      time.Time
}

func approveReview() *llm.Review {
	return &llm.Review{Recommendation: "approve", Confidence: 0.8, Reasoning: "fine"}
}

func longProposal() *llm.Proposal {
	p := &llm.Proposal{Symbol: "BTCUSDT", Side: "long", Confidence: 0.7, Reasons: []string{"breakout"}, MaxHoldBars: 40}
	p.Entry.Type = "market"
	p.Stop.Type = "atr"
	p.Stop.Multiplier = 2
	p.TakeProfit.RR = 2
	return p
}

func newHarness(t *testing.T, bars []exchange.Candle, advisor Advisor, consultant Consultant) *harness {
	t.Helper()
	store := newMemStore()
	fx := &fakeExchange{bars: map[string][]exchange.Candle{"BTCUSDT": bars}}
	logger := zerolog.Nop()

	recorder := events.NewRecorder(store, logger)
	accountant := portfolio.NewAccountant(store, 10000, logger)
	require.NoError(t, accountant.Init(context.Background()))

	paperBroker := broker.New(store, broker.DefaultConfig(), logger)
	engine := signal.NewEngine(signal.DefaultConfig())
	killSwitch := risk.NewKillSwitch(risk.KillSwitchConfig{
		SigmaMultiple: 3, ArmedBars: 12, VolWindow: 12, MedianWindows: 30,
	})
	cooldown := risk.NewCooldown(3)
	validator := risk.NewValidator(risk.ValidatorConfig{RiskPerTrade: 0.005, MaxExposure: 0.02}, killSwitch, cooldown)

	daemon := New(Config{
		Symbols:       []string{"BTCUSDT"},
		Timeframe:     "5m",
		TimeframeDur:  5 * time.Minute,
		CycleInterval: 30 * time.Second,
		FetchLimit:    700,
		RiskPerTrade:  0.005,
		MaxExposure:   0.02,
	}, Deps{
		Exchange:   fx,
		Store:      store,
		Broker:     paperBroker,
		Accountant: accountant,
		Engine:     engine,
		Validator:  validator,
		KillSwitch: killSwitch,
		Cooldown:   cooldown,
		Advisor:    advisor,
		Consultant: consultant,
		Sentiment:  &fakeSentiment{row: &database.SentimentRow{Symbol: "BTCUSDT", Sent24h: 0.2, Sent7d: 0.1, SentTrend: 0.1}},
		Recorder:   recorder,
		Logger:     logger,
	})

	return &harness{daemon: daemon, store: store, exchange: fx}
}

// cycleTime returns a now just after the last bar closed, so the staleness
// gate passes.
func cycleTime(bars []exchange.Candle) time.Time {
	return bars[len(bars)-1].TS.Add(5*time.Minute + time.Minute)
}

// ============================================================================
// scenarios
// ============================================================================

func TestWarmupProducesNoTrades(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(50, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Zero(t, summary.TradesOpened)
	assert.Empty(t, h.store.trades)
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionSkipWarmup))
	assert.Empty(t, h.store.eventsWithTag("SIGNAL"))
	assert.Empty(t, h.store.eventsWithTag("TRADE"))
	// Warm-up still produces a NAV snapshot (plus the init row).
	assert.GreaterOrEqual(t, len(h.store.navs), 2)
}

func TestCleanLongEntry(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Equal(t, 1, summary.SignalsFired)
	assert.Equal(t, 1, summary.TradesOpened)
	require.Len(t, h.store.trades, 1)

	var trade *database.Trade
	for _, tr := range h.store.trades {
		trade = tr
	}
	assert.Equal(t, "long", trade.Side)
	assert.Greater(t, trade.Qty, 0.0)
	// Exposure cap: notional stays within 2% of NAV.
	assert.LessOrEqual(t, trade.Qty*trade.EntryPx, 0.02*10000*1.01)
	// Entry fill carries slippage above the reference close.
	lastClose := bars[len(bars)-1].Close
	assert.Greater(t, trade.EntryPx, lastClose)

	pos := h.store.positions["BTCUSDT"]
	require.NotNil(t, pos)
	// Initial stop sits 2 ATRs below the reference close.
	assert.Less(t, pos.Stop, lastClose)
	assert.Equal(t, trade.ID, pos.TradeID)

	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionRegimeTrend))
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionConsultantApprove))
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionOpenLong))
	assert.NotEmpty(t, trade.Rationale)
}

func TestDecisionIDPropagation(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	h.daemon.RunOnce(context.Background(), cycleTime(bars))

	ids := make(map[string]bool)
	for _, e := range h.store.events {
		if e.Symbol == "BTCUSDT" && e.DecisionID != "" {
			ids[e.DecisionID] = true
		}
	}
	assert.Len(t, ids, 1, "all events of one cycle share one decision id")

	var trade *database.Trade
	for _, tr := range h.store.trades {
		trade = tr
	}
	require.NotNil(t, trade)
	for id := range ids {
		assert.Equal(t, id, trade.DecisionID)
	}
}

func TestConsultantRejectBlocksTrade(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	review := &llm.Review{Recommendation: "reject", Concerns: []string{"late entry"}, Confidence: 0.9, Reasoning: "chasing"}
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: review})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Zero(t, summary.TradesOpened)
	assert.Empty(t, h.store.trades)

	proposals := h.store.eventsWithTag("PROPOSAL")
	rejects := h.store.eventsWithAction(events.ActionConsultantReject)
	require.NotEmpty(t, proposals)
	require.NotEmpty(t, rejects)
	assert.Equal(t, proposals[0].DecisionID, rejects[0].DecisionID)
}

func TestConsultantModifyReducesSize(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)

	size := 0.5
	review := &llm.Review{
		Recommendation: "modify",
		Concerns:       []string{"size too large"},
		Modifications:  &llm.Modifications{Size: &size},
		Confidence:     0.7,
		Reasoning:      "halve it",
	}
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: review})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Equal(t, 1, summary.TradesOpened)
	require.Len(t, h.store.trades, 1)
	for _, trade := range h.store.trades {
		assert.Equal(t, 0.5, trade.Qty)
		assert.Contains(t, string(trade.Rationale), "modified-and-executed")
	}
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionConsultantModify))
}

func TestConsultantTimeoutAutoApproves(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()},
		&fakeConsultant{review: approveReview(), auto: true})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Equal(t, 1, summary.TradesOpened)
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionConsultantAutoApprove))
}

func TestAdvisorFailureSkipsEntry(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{err: fmt.Errorf("both models down")},
		&fakeConsultant{review: approveReview()})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Zero(t, summary.TradesOpened)
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionAdvisorFail))
}

func TestDeterministicModeWithoutAdvisor(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, nil, nil)

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Equal(t, 1, summary.TradesOpened)
	assert.Empty(t, h.store.eventsWithTag("CONSULTANT"))
}

func TestStaleDataSkipsSymbol(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	// An hour after the last close: well beyond 2x the timeframe.
	summary := h.daemon.RunOnce(context.Background(), end.Add(time.Hour))

	assert.Zero(t, summary.TradesOpened)
	assert.Empty(t, h.store.trades)
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionStaleData))
	// NAV snapshot still produced.
	assert.GreaterOrEqual(t, len(h.store.navs), 2)
}

func TestNoSignalInChop(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := flatBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Zero(t, summary.SignalsFired)
	assert.Zero(t, summary.TradesOpened)
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionSkipNoSignal))
}

func TestStopHitClosesPosition(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := flatBars(650, end)
	// Final bar trades through the stop.
	bars[649].Low = 97.5
	bars[649].High = 101

	h := newHarness(t, bars, nil, nil)

	// Seed an open long from an earlier cycle.
	openedTS := end.Add(-3 * time.Hour)
	_, err := h.store.OpenTradeTx(context.Background(), database.OpenFill{
		Symbol: "BTCUSDT", Side: "long", Qty: 1, FillPrice: 100, Fees: 0.02,
		Stop: 98, TS: openedTS, DecisionID: "prev-cycle",
	})
	require.NoError(t, err)

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Equal(t, 1, summary.TradesClosed)
	assert.Empty(t, h.store.positions)

	var trade *database.Trade
	for _, tr := range h.store.trades {
		trade = tr
	}
	require.NotNil(t, trade.ExitTS)
	assert.Equal(t, "STOP", *trade.Reason)
	// Fill at the stop price less slippage, P&L net of both legs' fees.
	assert.Less(t, *trade.ExitPx, 98.0)
	wantPnL := (*trade.ExitPx-100)*1 - 0.02 - *trade.ExitFees
	assert.InDelta(t, wantPnL, *trade.PnL, 1e-9)

	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionExitStop))

	// Stop-out starts the cooldown.
	assert.True(t, h.daemon.cooldown.Active("BTCUSDT"))
}

func TestTrailingStopRaised(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := flatBars(650, end)
	// A strong final bar sets a new extreme well above the stop. It closes
	// back inside the calm range, so its close-to-close move does not trip
	// the kill-switch.
	bars[649].High = 103
	bars[649].Low = 100
	bars[649].Close = 100.05

	h := newHarness(t, bars, nil, nil)

	openedTS := end.Add(-3 * time.Hour)
	_, err := h.store.OpenTradeTx(context.Background(), database.OpenFill{
		Symbol: "BTCUSDT", Side: "long", Qty: 1, FillPrice: 100, Fees: 0.02,
		Stop: 98, TS: openedTS, DecisionID: "prev-cycle",
	})
	require.NoError(t, err)

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Zero(t, summary.TradesClosed)
	pos := h.store.positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Greater(t, pos.Stop, 98.0)
}

func TestKillSwitchFlattensAndBlocks(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := flatBars(650, end)
	// Violent swings over the last window trip the kill-switch.
	price := 100.0
	for i := 637; i < 650; i++ {
		if i%2 == 0 {
			price *= 1.08
		} else {
			price *= 0.93
		}
		bars[i].Open = price
		bars[i].Close = price
		bars[i].High = price * 1.01
		bars[i].Low = price * 0.99
	}

	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	openedTS := end.Add(-3 * time.Hour)
	_, err := h.store.OpenTradeTx(context.Background(), database.OpenFill{
		Symbol: "BTCUSDT", Side: "long", Qty: 1, FillPrice: 100, Fees: 0.02,
		Stop: 1, TS: openedTS, DecisionID: "prev-cycle",
	})
	require.NoError(t, err)

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	// Position flattened, kill-switch armed, no new entries.
	assert.Equal(t, 1, summary.TradesClosed)
	assert.Zero(t, summary.TradesOpened)
	assert.Empty(t, h.store.positions)
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionKillSwitch))
	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionExitKill))
	assert.True(t, h.daemon.killSwitch.Active("BTCUSDT"))
	// NAV snapshot still produced.
	assert.GreaterOrEqual(t, len(h.store.navs), 2)
}

func TestFetchErrorCountsDataError(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, nil, nil)
	h.exchange.err = fmt.Errorf("exchange down")

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Equal(t, 1, summary.DataErrors)
	assert.Zero(t, summary.TradesOpened)
	// The daemon survives and still snapshots NAV.
	assert.GreaterOrEqual(t, len(h.store.navs), 2)
}

func TestInvariantViolationPausesSymbol(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := flatBars(650, end)
	h := newHarness(t, bars, nil, nil)

	// A position row with no matching open trade.
	h.store.positions["BTCUSDT"] = &database.Position{
		Symbol: "BTCUSDT", Side: "long", Qty: 1, AvgPrice: 100, Stop: 98,
		OpenedTS: end.Add(-time.Hour), LastUpdateTS: end.Add(-time.Hour),
	}

	h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.NotEmpty(t, h.store.eventsWithAction(events.ActionInvariant))
	assert.True(t, h.daemon.isPaused("BTCUSDT"))

	// The paused symbol is skipped in later cycles until an operator reset.
	before := len(h.store.events)
	h.daemon.RunOnce(context.Background(), cycleTime(bars).Add(time.Minute))
	var symbolEvents int
	for _, e := range h.store.events[before:] {
		if e.Symbol == "BTCUSDT" && e.Action != events.ActionInvariant {
			symbolEvents++
		}
	}
	assert.Zero(t, symbolEvents)

	h.daemon.ResumeSymbol("BTCUSDT")
	assert.False(t, h.daemon.isPaused("BTCUSDT"))
}

func TestAdvisorDisagreementSkipsEntry(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	flat := longProposal()
	flat.Side = "flat"
	h := newHarness(t, bars, &fakeAdvisor{proposal: flat}, &fakeConsultant{review: approveReview()})

	summary := h.daemon.RunOnce(context.Background(), cycleTime(bars))

	assert.Zero(t, summary.TradesOpened)
	assert.Empty(t, h.store.trades)
	// Proposal recorded, then the skip.
	assert.NotEmpty(t, h.store.eventsWithTag("PROPOSAL"))
}

func TestEventsArriveInCausalOrder(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := trendingBars(650, end)
	h := newHarness(t, bars, &fakeAdvisor{proposal: longProposal()}, &fakeConsultant{review: approveReview()})

	h.daemon.RunOnce(context.Background(), cycleTime(bars))

	order := map[string]int{}
	for i, e := range h.store.events {
		if e.Action != "" {
			if _, seen := order[e.Action]; !seen {
				order[e.Action] = i
			}
		}
	}
	regime, hasRegime := order[events.ActionRegimeTrend]
	open, hasOpen := order[events.ActionOpenLong]
	approve, hasApprove := order[events.ActionConsultantApprove]
	require.True(t, hasRegime)
	require.True(t, hasOpen)
	require.True(t, hasApprove)
	assert.Less(t, regime, approve)
	assert.Less(t, approve, open)
}

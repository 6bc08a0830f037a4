package bot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/ai/llm"
	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/events"
	"paper-trading-daemon/internal/indicators"
	"paper-trading-daemon/internal/logging"
	"paper-trading-daemon/internal/risk"
	"paper-trading-daemon/internal/signal"
)

// processSymbol drives one symbol through the full pipeline. Errors stop the
// symbol for this cycle; other symbols are unaffected.
func (d *Daemon) processSymbol(ctx context.Context, symbol, decisionID string, now time.Time, summary *CycleSummary) {
	logger := logging.WithDecision(d.logger, decisionID, symbol)

	if d.isPaused(symbol) {
		logger.Warn().Msg("symbol paused after invariant violation, skipping")
		return
	}

	// Ingest.
	fetched, err := d.exchange.FetchOHLCV(ctx, symbol, d.cfg.Timeframe, d.cfg.FetchLimit)
	if err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagData, "fetch failed", err)
		return
	}
	inserted, err := d.store.SaveCandles(ctx, toDBCandles(symbol, d.cfg.Timeframe, fetched))
	if err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "candle persist failed", err)
		return
	}
	if d.timedOut(ctx, symbol, decisionID, summary) {
		return
	}

	candles, err := d.store.GetCandles(ctx, symbol, d.cfg.Timeframe, d.cfg.FetchLimit)
	if err != nil || len(candles) == 0 {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "candle load failed", err)
		return
	}

	// Staleness gate: a feed that stopped producing bars must not trade.
	latest := candles[len(candles)-1]
	closeTime := latest.TS.Add(d.cfg.TimeframeDur)
	if now.Sub(closeTime) > 2*d.cfg.TimeframeDur {
		d.recorder.Emit(ctx, events.Event{
			Level: "WARN", Tags: []events.Tag{events.TagRisk},
			Symbol: symbol, Timeframe: d.cfg.Timeframe,
			Action: events.ActionStaleData, DecisionID: decisionID,
			Payload: map[string]any{"last_close": closeTime, "lag_seconds": now.Sub(closeTime).Seconds()},
		})
		logger.Warn().Time("last_close", closeTime).Msg("stale data, skipping symbol")
		return
	}

	// Advance the per-bar countdowns once per newly closed bar.
	for i := 0; i < inserted; i++ {
		d.killSwitch.Tick(symbol)
		d.cooldown.Tick(symbol)
	}

	// Features.
	bars := toBars(candles)
	fs := indicators.Compute(bars)
	if err := d.store.SaveFeatures(ctx, featureRows(symbol, d.cfg.Timeframe, bars, fs, inserted)); err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "feature persist failed", err)
		return
	}
	if d.timedOut(ctx, symbol, decisionID, summary) {
		return
	}

	snap := fs.At(bars, len(bars)-1)

	// Warm-up gate: until enough closed bars exist, only the feature stage
	// runs and signals stay inhibited.
	if !indicators.Ready(len(bars)) {
		d.recorder.Emit(ctx, events.Event{
			Tags: []events.Tag{events.TagFeatures},
			Symbol: symbol, Timeframe: d.cfg.Timeframe,
			Action: events.ActionSkipWarmup, DecisionID: decisionID,
			Payload: map[string]any{
				"bars":     len(bars),
				"required": indicators.WarmupBars,
				"regime":   string(signal.Classify(snap)),
			},
		})
		return
	}

	regime := signal.Classify(snap)
	regimeAction := events.ActionRegimeChop
	if regime == signal.RegimeTrend {
		regimeAction = events.ActionRegimeTrend
	}
	d.recorder.Emit(ctx, events.Event{
		Tags: []events.Tag{events.TagSignal},
		Symbol: symbol, Timeframe: d.cfg.Timeframe,
		Action: regimeAction, DecisionID: decisionID,
		Payload: map[string]any{"adx14": snap.ADX14, "ema50": snap.EMA50, "ema200": snap.EMA200},
	})

	// Kill-switch: abnormal volatility flattens the book and blocks entries.
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	if d.killSwitch.Evaluate(symbol, closes) {
		d.recorder.Emit(ctx, events.Event{
			Level: "WARN", Tags: []events.Tag{events.TagRisk},
			Symbol: symbol, Timeframe: d.cfg.Timeframe,
			Action: events.ActionKillSwitch, DecisionID: decisionID,
			Payload: map[string]any{"vol_window": len(closes)},
		})
		logger.Warn().Msg("kill-switch tripped")
	}
	ksActive := d.killSwitch.Active(symbol)

	pos, err := d.store.GetPosition(ctx, symbol)
	if err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "position load failed", err)
		return
	}

	if pos != nil {
		if ksActive {
			d.closePositionAt(ctx, logger, symbol, decisionID, signal.ExitReasonKill, latest.Close, bars, now, summary)
			return
		}
		d.managePosition(ctx, logger, symbol, decisionID, pos, bars, snap, now, summary)
		return
	}

	if ksActive {
		return
	}

	// Entry candidate. Entries only exist in a trend regime.
	var entry *signal.Entry
	if regime == signal.RegimeTrend {
		entry = d.engine.CheckEntry(snap)
	}
	if entry == nil {
		d.recorder.Emit(ctx, events.Event{
			Tags: []events.Tag{events.TagProposal},
			Symbol: symbol, Timeframe: d.cfg.Timeframe,
			Action: events.ActionSkipNoSignal, DecisionID: decisionID,
			Payload: map[string]any{"regime": string(regime)},
		})
		return
	}
	d.bump(summary, func(s *CycleSummary) { s.SignalsFired++ })

	if d.timedOut(ctx, symbol, decisionID, summary) {
		return
	}

	d.decideAndExecute(ctx, logger, symbol, decisionID, regime, snap, entry, bars, now, summary)
}

// decideAndExecute runs the advisor/consultant/validator/broker chain for a
// fired entry signal.
func (d *Daemon) decideAndExecute(ctx context.Context, logger zerolog.Logger, symbol, decisionID string,
	regime signal.Regime, snap indicators.Snapshot, entry *signal.Entry,
	bars []indicators.Bar, now time.Time, summary *CycleSummary) {

	lastBar := bars[len(bars)-1]

	nav, err := d.accountant.CurrentNAV(ctx, map[string]float64{symbol: snap.Close})
	if err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "NAV read failed", err)
		return
	}

	qty := d.engine.PositionSize(nav, entry.Price, entry.Stop, entry.Side)
	finalQty, finalStop := qty, entry.Stop

	var sent *database.SentimentRow
	if d.sentiment != nil {
		sent = d.sentiment.Get(ctx, symbol, now)
	}

	var proposal *llm.Proposal
	var review *llm.Review
	var decision risk.Decision

	if d.advisor != nil {
		proposal, err = d.advisor.Propose(ctx, llm.ProposalContext{
			Symbol:       symbol,
			Regime:       string(regime),
			Snapshot:     snap,
			Sentiment:    sent,
			Position:     nil,
			RiskPerTrade: d.cfg.RiskPerTrade,
			MaxExposure:  d.cfg.MaxExposure,
		})
		if err != nil {
			d.recorder.Emit(ctx, events.Event{
				Level: "WARN", Tags: []events.Tag{events.TagProposal},
				Symbol: symbol, Timeframe: d.cfg.Timeframe,
				Action: events.ActionAdvisorFail, DecisionID: decisionID,
				Payload: map[string]any{"error": err.Error()},
			})
			return
		}

		d.recorder.Emit(ctx, events.Event{
			Tags: []events.Tag{events.TagProposal},
			Symbol: symbol, Timeframe: d.cfg.Timeframe,
			DecisionID: decisionID,
			Payload:    proposal,
		})

		if proposal.Side != string(entry.Side) {
			// The advisor declined the deterministic signal; no entry.
			d.recorder.Emit(ctx, events.Event{
				Tags: []events.Tag{events.TagProposal},
				Symbol: symbol, Timeframe: d.cfg.Timeframe,
				Action: events.ActionSkipNoSignal, DecisionID: decisionID,
				Payload: map[string]any{"advisor_side": proposal.Side, "signal_side": string(entry.Side)},
			})
			return
		}

		mctx := llm.MarketContext{Regime: string(regime), VolatilityBand: volatilityBand(snap)}
		if sent != nil {
			mctx.Sent24h = sent.Sent24h
			mctx.SentTrend = sent.SentTrend
		}
		var autoApproved bool
		review, autoApproved = d.consultant.Review(ctx, proposal, mctx)

		action := consultantAction(review.Recommendation, autoApproved)
		d.recorder.Emit(ctx, events.Event{
			Tags: []events.Tag{events.TagConsultant},
			Symbol: symbol, Timeframe: d.cfg.Timeframe,
			Action: action, DecisionID: decisionID,
			Payload: review,
		})

		input := risk.ReviewInput{Recommendation: review.Recommendation}
		if review.Modifications != nil {
			input.StopMod = review.Modifications.Stop
			input.SizeMod = review.Modifications.Size
		}
		decision = risk.Reconcile(input, entry.Side, entry.Price, entry.ATR, qty)

		switch decision.Kind {
		case risk.DecisionReject:
			if decision.Reason != "CONSULTANT_REJECT" {
				d.emitValidationReject(ctx, symbol, decisionID, decision.Reason, summary)
			}
			return
		case risk.DecisionModified:
			if decision.NewStop != nil {
				finalStop = *decision.NewStop
			}
			if decision.NewQty != nil {
				finalQty = *decision.NewQty
			}
		}
	}

	// Validator: final pre-broker checks, re-run on the post-modification
	// quantities.
	if reason := d.validator.Validate(risk.EntryRequest{
		Symbol:      symbol,
		Side:        entry.Side,
		Qty:         finalQty,
		Entry:       entry.Price,
		Stop:        finalStop,
		NAV:         nav,
		Regime:      regime,
		HasPosition: false,
		SchemaValid: true,
	}); reason != "" {
		d.emitValidationReject(ctx, symbol, decisionID, reason, summary)
		return
	}

	rationale := buildRationale(snap, regime, sent, proposal, review, decision)

	tradeID, fill, err := d.broker.OpenTrade(ctx, symbol, entry.Side, finalQty,
		entry.Price, lastBar.High, lastBar.Low, finalStop, now, decisionID, rationale)
	if err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "open trade failed", err)
		return
	}

	action := events.ActionOpenLong
	if entry.Side == signal.SideShort {
		action = events.ActionOpenShort
	}
	d.recorder.Emit(ctx, events.Event{
		Tags: []events.Tag{events.TagTrade},
		Symbol: symbol, Timeframe: d.cfg.Timeframe,
		Action: action, DecisionID: decisionID, TradeID: &tradeID,
		Payload: map[string]any{
			"qty": finalQty, "fill": fill.Price, "fees": fill.Fees,
			"slippage_bps": fill.SlippageBps, "stop": finalStop,
		},
	})
	d.bump(summary, func(s *CycleSummary) { s.TradesOpened++ })
}

// managePosition evaluates exits on an open position. Whether the position
// exits or holds, no entry happens this cycle.
func (d *Daemon) managePosition(ctx context.Context, logger zerolog.Logger, symbol, decisionID string,
	pos *database.Position, bars []indicators.Bar, snap indicators.Snapshot,
	now time.Time, summary *CycleSummary) {

	lastBar := bars[len(bars)-1]
	view := buildPositionView(pos, bars, d.cfg.TimeframeDur)

	check := d.engine.CheckExit(view, lastBar, snap.ATR14)

	if check.NewStop != nil {
		if err := d.broker.UpdateStop(ctx, symbol, *check.NewStop, now); err != nil {
			d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "stop update failed", err)
			return
		}
		logger.Info().Float64("stop", *check.NewStop).Msg("trailing stop raised")
		return
	}

	if !check.ShouldExit {
		return
	}

	d.closePositionAt(ctx, logger, symbol, decisionID, check.Reason, check.ExitPrice, bars, now, summary)
}

func (d *Daemon) closePositionAt(ctx context.Context, logger zerolog.Logger, symbol, decisionID, reason string,
	refPrice float64, bars []indicators.Bar, now time.Time, summary *CycleSummary) {

	trade, err := d.store.GetOpenTrade(ctx, symbol)
	if err != nil || trade == nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "open trade lookup failed", err)
		return
	}

	lastBar := bars[len(bars)-1]
	result, err := d.broker.CloseTrade(ctx, trade, refPrice, lastBar.High, lastBar.Low, reason, now)
	if err != nil {
		d.stageError(ctx, logger, symbol, decisionID, summary, events.TagError, "close trade failed", err)
		return
	}

	var action string
	switch reason {
	case signal.ExitReasonStop:
		action = events.ActionExitStop
		d.cooldown.Trip(symbol)
	case signal.ExitReasonTime:
		action = events.ActionExitTime
	default:
		action = events.ActionExitKill
	}

	d.recorder.Emit(ctx, events.Event{
		Tags: []events.Tag{events.TagTrade, events.TagExit},
		Symbol: symbol, Timeframe: d.cfg.Timeframe,
		Action: action, DecisionID: decisionID, TradeID: &trade.ID,
		Payload: map[string]any{
			"fill": result.Fill.Price, "fees": result.Fill.Fees,
			"slippage_bps": result.Fill.SlippageBps, "pnl": result.PnL,
		},
	})
	d.bump(summary, func(s *CycleSummary) { s.TradesClosed++ })
}

// ============================================================================
// helpers
// ============================================================================

func (d *Daemon) bump(summary *CycleSummary, f func(*CycleSummary)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f(summary)
}

func (d *Daemon) emitValidationReject(ctx context.Context, symbol, decisionID, reason string, summary *CycleSummary) {
	d.recorder.Emit(ctx, events.Event{
		Tags: []events.Tag{events.TagValidation},
		Symbol: symbol, Timeframe: d.cfg.Timeframe,
		Action: events.ActionValidationReject, DecisionID: decisionID,
		Payload: map[string]any{"reason": reason},
	})
	d.bump(summary, func(s *CycleSummary) { s.ValidatorRejects++ })
}

// stageError records a failed pipeline stage. The symbol stops for this
// cycle; the daemon stays up.
func (d *Daemon) stageError(ctx context.Context, logger zerolog.Logger, symbol, decisionID string,
	summary *CycleSummary, tag events.Tag, msg string, err error) {

	payload := map[string]any{"detail": msg}
	if err != nil {
		payload["error"] = err.Error()
	}
	d.recorder.Emit(context.WithoutCancel(ctx), events.Event{
		Level: "ERROR", Tags: []events.Tag{tag},
		Symbol: symbol, Timeframe: d.cfg.Timeframe,
		Action: events.ActionProcessError, DecisionID: decisionID,
		Payload: payload,
	})
	logger.Error().Err(err).Msg(msg)
	if tag == events.TagData {
		d.bump(summary, func(s *CycleSummary) { s.DataErrors++ })
	}
}

// timedOut abandons the pipeline when the cycle deadline has passed.
func (d *Daemon) timedOut(ctx context.Context, symbol, decisionID string, summary *CycleSummary) bool {
	if ctx.Err() == nil {
		return false
	}
	d.recorder.Emit(context.WithoutCancel(ctx), events.Event{
		Level: "WARN", Tags: []events.Tag{events.TagCycle},
		Symbol: symbol, Timeframe: d.cfg.Timeframe,
		Action: events.ActionCycleTimeout, DecisionID: decisionID,
	})
	d.bump(summary, func(s *CycleSummary) { s.Timeouts++ })
	return true
}

func toBars(candles []database.Candle) []indicators.Bar {
	bars := make([]indicators.Bar, len(candles))
	for i, c := range candles {
		bars[i] = indicators.Bar{
			TS:     c.TS,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}
	return bars
}

// featureRows converts the newest n bars' indicator values into rows for
// persistence. At least the latest bar is always written.
func featureRows(symbol, tf string, bars []indicators.Bar, fs *indicators.FeatureSet, n int) []database.FeatureRow {
	if n < 1 {
		n = 1
	}
	if n > len(bars) {
		n = len(bars)
	}
	rows := make([]database.FeatureRow, 0, n)
	for i := len(bars) - n; i < len(bars); i++ {
		rows = append(rows, database.FeatureRow{
			Symbol:    symbol,
			Timeframe: tf,
			TS:        bars[i].TS,
			EMA20:     toPtr(fs.EMA20[i]),
			EMA50:     toPtr(fs.EMA50[i]),
			EMA200:    toPtr(fs.EMA200[i]),
			HMA55:     toPtr(fs.HMA55[i]),
			RSI14:     toPtr(fs.RSI14[i]),
			StochRSI:  toPtr(fs.StochRSI[i]),
			ROC10:     toPtr(fs.ROC10[i]),
			ATR14:     toPtr(fs.ATR14[i]),
			BBUpper:   toPtr(fs.BBUpper[i]),
			BBMid:     toPtr(fs.BBMid[i]),
			BBLower:   toPtr(fs.BBLower[i]),
			DonchU:    toPtr(fs.DonchU[i]),
			DonchL:    toPtr(fs.DonchL[i]),
			OBV:       toPtr(fs.OBV[i]),
			CMF20:     toPtr(fs.CMF20[i]),
			ADX14:     toPtr(fs.ADX14[i]),
			RVOL20:    toPtr(fs.RVOL20[i]),
			VWAP:      toPtr(fs.VWAP[i]),
			AVWAP:     toPtr(fs.AVWAP[i]),
		})
	}
	return rows
}

func toPtr(v float64) *float64 {
	if !indicators.Defined(v) {
		return nil
	}
	return &v
}

// buildPositionView derives the exit-evaluation state from the bars closed
// since entry.
func buildPositionView(pos *database.Position, bars []indicators.Bar, tf time.Duration) signal.PositionView {
	view := signal.PositionView{
		Side:     signal.Side(pos.Side),
		Qty:      pos.Qty,
		AvgPrice: pos.AvgPrice,
		Stop:     pos.Stop,
		Extreme:  pos.AvgPrice,
	}

	extremeIdx := -1
	for i, b := range bars {
		if !b.TS.Add(tf).After(pos.OpenedTS) {
			continue
		}
		view.BarsSinceEntry++
		if view.Side == signal.SideLong {
			if b.High >= view.Extreme {
				view.Extreme = b.High
				extremeIdx = i
			}
		} else {
			if b.Low <= view.Extreme {
				view.Extreme = b.Low
				extremeIdx = i
			}
		}
	}
	if extremeIdx >= 0 {
		view.BarsSinceExtreme = len(bars) - 1 - extremeIdx
	} else {
		view.BarsSinceExtreme = view.BarsSinceEntry
	}
	return view
}

func consultantAction(recommendation string, autoApproved bool) string {
	if autoApproved {
		return events.ActionConsultantAutoApprove
	}
	switch recommendation {
	case "reject":
		return events.ActionConsultantReject
	case "modify":
		return events.ActionConsultantModify
	default:
		return events.ActionConsultantApprove
	}
}

// volatilityBand buckets ATR relative to price for the consultant's context.
func volatilityBand(snap indicators.Snapshot) string {
	if snap.Close <= 0 || !indicators.Defined(snap.ATR14) {
		return "normal"
	}
	atrPct := snap.ATR14 / snap.Close * 100
	switch {
	case atrPct < 0.5:
		return "low"
	case atrPct > 2:
		return "elevated"
	default:
		return "normal"
	}
}
